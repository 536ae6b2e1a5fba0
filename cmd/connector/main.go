package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"connector/internal/config"
	"connector/internal/interface/repository/logger"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

func main() {
	if err := buildApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "connector: %v\n", err)
		os.Exit(1)
	}
}

func buildApp() *cli.App {
	app := cli.NewApp()
	app.Name = "connector"
	app.Usage = "Serve HTTP, HTTPS and AJP calls through a single dispatcher"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to the YAML configuration file",
		},
		cli.StringFlag{
			Name:  "log-dir",
			Usage: "override the log directory from the configuration",
		},
	}
	app.Action = run
	return app
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if dir := c.String("log-dir"); dir != "" {
		cfg.Log.Dir = dir
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// ロガーの初期化
	var mirror io.Writer
	if cfg.Log.Stdout {
		mirror = os.Stdout
	}
	loggerRepo, err := logger.New(cfg.Log.Dir, cfg.Log.File, &logger.RotationConfig{
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
	}, logger.Options{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Mirror: mirror,
	})
	if err != nil {
		return errors.Wrap(err, "initializing logger")
	}
	defer loggerRepo.Close()

	srv, err := newServer(cfg, loggerRepo)
	if err != nil {
		loggerRepo.Error("Failed to start connector", err, nil)
		return err
	}

	// シャットダウンハンドラの設定
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, l := range srv.listeners {
		loggerRepo.Info("Listener bound", map[string]interface{}{
			"name":    l.name,
			"address": l.ln.Addr().String(),
		})
	}

	if err := srv.run(ctx); err != nil {
		loggerRepo.Error("Connector stopped with error", err, nil)
		return err
	}
	loggerRepo.Info("Shutdown complete", nil)
	return nil
}
