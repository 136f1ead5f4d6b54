// Command omviva-scan lists nearby BLE advertisements so the scale's
// address can be found for the config file. Press the scale's Bluetooth
// button while it runs.
//
// Usage:
//
//	go run ./cmd/omviva-scan [--adapter hci0] [--duration 30s] [--prefix BLEsmart_]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/omviva/omviva-sync/internal/ble"
)

func main() {
	adapterID := flag.String("adapter", "hci0", "BlueZ adapter to scan with")
	duration := flag.Duration("duration", 30*time.Second, "how long to scan")
	prefix := flag.String("prefix", "", "only show devices whose name starts with this")
	flag.Parse()

	adapter := ble.NewBlueZAdapter(*adapterID)
	if err := adapter.Enable(); err != nil {
		log.Fatalf("enable adapter %s: %v", *adapterID, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	fmt.Printf("Scanning on %s for %s. Press the scale's Bluetooth button now.\n", *adapterID, *duration)

	var mu sync.Mutex
	seen := make(map[string]bool)
	err := adapter.Scan(ctx, func(d ble.Device) {
		if *prefix != "" && !strings.HasPrefix(d.Name, *prefix) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if seen[d.MAC] {
			return
		}
		seen[d.MAC] = true
		fmt.Printf("%s  rssi=%4d  %s\n", d.MAC, d.RSSI, d.Name)
	})
	if err != nil {
		log.Fatalf("scan: %v", err)
	}
	fmt.Printf("Done. %d device(s) seen.\n", len(seen))
}
