package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/S1riyS/naivefs/internal/app"
	"github.com/S1riyS/naivefs/internal/config"
	"github.com/S1riyS/naivefs/internal/fuse"
	"github.com/S1riyS/naivefs/pkg/logging"
	"github.com/S1riyS/naivefs/pkg/logging/slogext"
)

func main() {
	cliApp := cli.App{
		Name:        "naivefs-mount",
		Usage:       "mount a naivefs volume with FUSE",
		Description: "serves the configured volume until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "config file",
				EnvVars: []string{"CONFIG_PATH"},
				Value:   config.DefaultPath,
			},
			&cli.StringFlag{
				Name:  "mountpoint",
				Usage: "overrides mount.mountpoint",
			},
			&cli.StringFlag{
				Name:  "volume",
				Usage: "overrides storage.volume",
			},
		},
		Action: mount,
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func mount(c *cli.Context) error {
	cfg := config.MustLoad(c.String("config"))
	if c.IsSet("mountpoint") {
		cfg.Mount.Mountpoint = c.String("mountpoint")
	}
	if c.IsSet("volume") {
		cfg.Storage.Volume = c.String("volume")
	}
	if cfg.Mount.Mountpoint == "" {
		return errors.New("no mountpoint configured")
	}

	logger := app.SetupPrettySlog(cfg.App.LogLevel)
	ctx := logging.MakeContextWithLogger(context.Background(), logger)

	a := app.New(cfg, logger)
	server, err := fuse.Mount(ctx, cfg.Mount.Mountpoint, a.Service, cfg.Storage.Volume, logger, fuse.MountOptions{
		Debug:      cfg.Mount.Debug,
		AllowOther: cfg.Mount.AllowOther,
	})
	if err != nil {
		return errors.Join(err, a.Service.Close(ctx))
	}
	logger.Info("Mounted",
		slog.String("mountpoint", cfg.Mount.Mountpoint),
		slog.String("volume", cfg.Storage.Volume),
	)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCtx.Done():
			if err := server.Unmount(); err != nil {
				logger.Error("Failed to unmount", slogext.Err(err))
			}
		case <-done:
		}
	}()

	server.Wait()
	close(done)

	logger.Info("Unmounted", slog.String("mountpoint", cfg.Mount.Mountpoint))
	return a.Service.Close(ctx)
}
