package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/app/scheduler"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/config"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/password"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/sl"
)

func main() {
	// scheduler hash-password <пароль> печатает значение для admin.password_hash
	if len(os.Args) == 3 && os.Args[1] == "hash-password" {
		hash, err := password.GetHash(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg := config.MustLoad()
	logger := sl.SetupLogger(cfg.Env)
	logger.Info("starting scheduler", slog.String("env", cfg.Env))
	logger.Debug("config loaded", slog.String("config", cfg.String()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := scheduler.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize scheduler app", sl.Err(err))
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("scheduler app stopped with error", sl.Err(err))
		os.Exit(1)
	}

	logger.Info("scheduler app stopped gracefully")
}
