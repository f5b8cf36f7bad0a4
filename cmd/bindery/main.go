package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/bayleafwalker/bindery-core/internal/library/source/fs"
	_ "github.com/bayleafwalker/bindery-core/internal/library/source/memory"
	_ "github.com/bayleafwalker/bindery-core/internal/library/source/s3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
