// Command omviva-decode decodes a captured measurement stream, as hex, into
// records. The stream is the concatenation of every notification received
// on the body composition measurement characteristic.
//
// Usage:
//
//	go run ./cmd/omviva-decode 0e1f02...
//	echo 0e1f02... | go run ./cmd/omviva-decode
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/omviva/omviva-sync/internal/ble/protocol"
	"github.com/omviva/omviva-sync/internal/measurement"
)

func main() {
	verbose := flag.Bool("v", false, "print every decoded field")
	flag.Parse()

	input := strings.Join(flag.Args(), "")
	if input == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("read stdin: %v", err)
		}
		input = string(data)
	}
	input = strings.Join(strings.Fields(input), "")

	stream, err := hex.DecodeString(input)
	if err != nil {
		log.Fatalf("decode hex: %v", err)
	}

	chunks, err := protocol.SplitRecords(stream)
	if err != nil {
		log.Fatalf("split stream: %v", err)
	}
	fmt.Printf("%d bytes, %d record(s)\n", len(stream), len(chunks))

	for i, c := range chunks {
		rec, err := measurement.Parse(c.First, c.Continuation)
		if err != nil {
			log.Fatalf("record %d: %v", i, err)
		}
		fmt.Printf("[%d] %s\n", i, rec)
		if *verbose {
			fmt.Printf("    %+v\n", *rec)
		}
	}
}
