package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"affilink/internal/services"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	cmd := newRootCommand()
	err := cmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if services.IsInterrupted(err) {
			fmt.Fprintln(os.Stderr, "interrupted; rerun resolve with --resume to continue")
		}
		os.Exit(services.ExitCode(err))
	}
}
