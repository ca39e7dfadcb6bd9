package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"incident-desk/config"
	"incident-desk/core/appbootstrap"
	"incident-desk/core/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		utils.NewLogger().Errorf("config: %v", err)
		os.Exit(1)
	}
	logger := utils.NewLoggerWithWriter(os.Stdout, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := appbootstrap.Run(ctx, cfg, logger); err != nil {
		logger.Errorf("incident-desk: %v", err)
		os.Exit(1)
	}
	logger.Printf("stopped")
}
