package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mashiike/gcalnotify"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	var cli gcalnotify.CLI
	code := cli.Run(ctx)
	cancel()
	os.Exit(code)
}
