package main

import (
	"log/slog"
	"os"

	"github.com/suPer8Hu/projectchat/internal/logger"
)

func main() {
	if err := newRootCmd(openApp).Execute(); err != nil {
		slog.Error("chatadmin failed", logger.Err(err))
		os.Exit(1)
	}
}
