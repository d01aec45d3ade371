package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if h := hint(err); h != "" {
		fmt.Fprintln(os.Stderr, h)
	}
	os.Exit(exitCode(err))
}
