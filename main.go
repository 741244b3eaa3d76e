package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ocrdrop/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	logging.Sync()
	if err != nil {
		os.Exit(1)
	}
}
