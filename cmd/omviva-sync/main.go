package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/omviva/omviva-sync/internal/ble"
	"github.com/omviva/omviva-sync/internal/config"
	"github.com/omviva/omviva-sync/internal/logging"
	"github.com/omviva/omviva-sync/internal/store"
	"github.com/omviva/omviva-sync/internal/syncer"
	"github.com/omviva/omviva-sync/internal/transfer"
	"github.com/omviva/omviva-sync/internal/trigger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/omviva-sync/config.yaml)")
	once := flag.Bool("once", false, "run a single sync cycle and exit")
	register := flag.Int("register-user", 0, "register the given user slot (1-4) on the scale and exit")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	if cfg.Schedule != "" {
		if _, err := trigger.ParseSchedule(cfg.Schedule); err != nil {
			log.Fatalf("config validation: schedule: %v", err)
		}
	}

	logger, closeLog, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogOutput)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter := ble.NewBlueZAdapter(cfg.Device.Adapter)
	if err := adapter.Enable(); err != nil {
		logger.Error("enable bluetooth adapter", "adapter", cfg.Device.Adapter, "error", err)
		os.Exit(1)
	}

	if *register != 0 {
		if err := registerUser(ctx, adapter, cfg, *register, logger); err != nil {
			logger.Error("user registration failed", "user", *register, "error", err)
			os.Exit(1)
		}
		logger.Info("user registered", "user", *register)
		return
	}

	if err := run(ctx, adapter, cfg, *once, logger); err != nil {
		logger.Error("sync failed", "error", err)
		os.Exit(1)
	}
}

func sessionOptions(cfg *config.Config) ble.SessionOptions {
	opts := ble.DefaultSessionOptions()
	opts.ConnectTimeout = cfg.BLE.ConnectTimeout
	opts.PairDelay = cfg.BLE.PairDelay
	opts.NotifySettle = cfg.BLE.NotifySettle
	opts.WriteSettle = cfg.BLE.WriteSettle
	opts.MaxWrite = cfg.BLE.MaxWrite
	return opts
}

func registerUser(ctx context.Context, adapter ble.Adapter, cfg *config.Config, user int, logger *slog.Logger) error {
	if user < 1 || user > 4 {
		return fmt.Errorf("user index must be between 1 and 4, got %d", user)
	}
	logger.Info("hold the scale's Bluetooth button until the display blinks", "user", user)
	link, err := ble.Dial(ctx, adapter, cfg.Device.Address, sessionOptions(cfg), logger)
	if err != nil {
		return err
	}
	defer link.Close()
	return link.RegisterUser(ctx, uint8(user))
}

func run(ctx context.Context, adapter ble.Adapter, cfg *config.Config, once bool, logger *slog.Logger) error {
	orchCfg := syncer.Config{
		Dial: func(ctx context.Context) (syncer.Scale, error) {
			link, err := ble.Dial(ctx, adapter, cfg.Device.Address, sessionOptions(cfg), logger)
			if err != nil {
				return nil, err
			}
			return link, nil
		},
		OpenStore: func() (syncer.Store, error) {
			st, err := store.Open(cfg.Sync.Database, logger)
			if err != nil {
				return nil, err
			}
			return st, nil
		},
		Users:       cfg.Device.Users,
		MaxAttempts: cfg.Sync.MaxAttempts,
		RetryDelay:  cfg.Sync.RetryDelay,
		Logger:      logger,
	}
	if cfg.Transfer.Enabled {
		orchCfg.Uploader = transfer.NewSFTP(transfer.Options{
			Host:       cfg.Transfer.Host,
			Port:       cfg.Transfer.Port,
			User:       cfg.Transfer.User,
			KeyFile:    cfg.Transfer.KeyFile,
			KnownHosts: cfg.Transfer.KnownHosts,
			RemotePath: cfg.Transfer.RemotePath,
			Timeout:    cfg.Transfer.Timeout,
		}, logger)
	}

	hub := trigger.NewHub(4, logger)
	var runners []func(context.Context) error

	var mq *trigger.MQTT
	if cfg.MQTT.Broker != "" {
		mq = trigger.NewMQTT(trigger.MQTTOptions{
			Broker:       cfg.MQTT.Broker,
			ClientID:     cfg.MQTT.ClientID,
			Username:     cfg.MQTT.Username,
			Password:     cfg.MQTT.Password,
			CommandTopic: cfg.MQTT.CommandTopic,
			StatusTopic:  cfg.MQTT.StatusTopic,
			QoS:          byte(cfg.MQTT.QoS),
		}, hub, logger)
		orchCfg.Publisher = mq
	}

	if once {
		orch, err := syncer.New(orchCfg)
		if err != nil {
			return err
		}
		if mq != nil {
			// Connect for the status publish only.
			mctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go mq.Run(mctx)
		}
		res, err := orch.Run(ctx)
		if err != nil {
			return err
		}
		if !res.OK {
			return errors.New("no attempt succeeded")
		}
		return nil
	}

	if mq != nil {
		runners = append(runners, mq.Run)
	}
	if cfg.Scan.Enabled {
		scan := trigger.NewScanListener(adapter, trigger.ScanOptions{
			Address:     cfg.Device.Address,
			NamePrefix:  cfg.Device.NamePrefix,
			Window:      cfg.Scan.Window,
			MinInterval: cfg.Scan.MinInterval,
		}, hub, logger)
		orchCfg.Pauser = scan
		runners = append(runners, scan.Run)
	}
	if cfg.Schedule != "" {
		sched, err := trigger.NewSchedule(cfg.Schedule, hub, logger)
		if err != nil {
			return err
		}
		runners = append(runners, sched.Run)
	}
	if len(runners) == 0 {
		return errors.New("no trigger enabled: enable scan, mqtt or schedule, or use -once")
	}

	orch, err := syncer.New(orchCfg)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, r := range runners {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("trigger stopped", "error", err)
			}
		}()
	}

	logger.Info("waiting for sync triggers")
	for {
		select {
		case ev := <-hub.Events():
			logger.Info("sync requested", "source", ev.Source, "detail", ev.Detail)
			orch.Start(ctx)
		case <-ctx.Done():
			logger.Info("shutting down")
			orch.Wait()
			wg.Wait()
			return nil
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults (run with -init to create one)")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== omviva-sync ===")
	fmt.Printf("  Scale:    %s (%d users, %s)\n", cfg.Device.Address, cfg.Device.Users, cfg.Device.Adapter)
	fmt.Printf("  Database: %s\n", cfg.Sync.Database)
	fmt.Printf("  Scan:     %t\n", cfg.Scan.Enabled)
	if cfg.Schedule != "" {
		fmt.Printf("  Schedule: %s\n", cfg.Schedule)
	}
	if cfg.MQTT.Broker != "" {
		fmt.Printf("  MQTT:     %s (%s)\n", cfg.MQTT.Broker, cfg.MQTT.CommandTopic)
	}
	if cfg.Transfer.Enabled {
		fmt.Printf("  Transfer: %s@%s:%s\n", cfg.Transfer.User, cfg.Transfer.Host, cfg.Transfer.RemotePath)
	}
	fmt.Println("===================")
}
