// cmd/milod/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/AsherValentini/MiLO-Middleware/config"
	"github.com/AsherValentini/MiLO-Middleware/coordinator"
	"github.com/AsherValentini/MiLO-Middleware/errcode"
)

// Exit codes, stable for the service unit:
//
//	0 normal shutdown
//	2 configuration invalid at boot
//	3 required device permanently unavailable at boot
//	4 persistent storage unavailable at boot
const (
	exitOK            = 0
	exitGeneric       = 1
	exitConfigInvalid = 2
	exitNoDevice      = 3
	exitNoStorage     = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	// Development convenience; production config comes from the unit
	// environment.
	_ = godotenv.Load()

	root := flag.String("root", envOr("MILO_ROOT", "/var/lib/milo"), "storage root")
	cfgPath := flag.String("config", os.Getenv("MILO_CONFIG"), "config file (default <root>/config.json)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	diag := logrus.New()
	diag.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose || os.Getenv("MILO_DEBUG") != "" {
		diag.SetLevel(logrus.DebugLevel)
	}

	path := *cfgPath
	if path == "" {
		path = filepath.Join(*root, "config.json")
	}
	cfg, err := config.Load(path)
	if err != nil {
		diag.WithError(err).Error("configuration invalid")
		return exitConfigInvalid
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP revalidates config and hands it to the coordinator,
	// which applies it only in Idle.
	reload := make(chan *config.Config, 1)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			fresh, err := config.Load(path)
			if err != nil {
				diag.WithError(err).Warn("reload: configuration invalid, keeping current")
				continue
			}
			select {
			case reload <- fresh:
			default:
			}
		}
	}()

	// The GPIO front panel and the display transport are provided by
	// their own driver packages at integration time; without them the
	// daemon runs headless.
	c := coordinator.New(coordinator.Options{
		Cfg:  cfg,
		Root: *root,
		Diag: diag,
	})

	if err := c.Run(ctx, reload); err != nil {
		switch {
		case errors.Is(err, errcode.ConfigInvalid):
			return exitConfigInvalid
		case errors.Is(err, errcode.SerialIo), errors.Is(err, errcode.ChannelUnavailable):
			return exitNoDevice
		case errors.Is(err, errcode.StorageMissing), errors.Is(err, errcode.StorageFull):
			return exitNoStorage
		default:
			return exitGeneric
		}
	}
	diag.Info("clean shutdown")
	return exitOK
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
