package main

import (
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/coffersTech/hilogd/sdks/go/hilog"
)

func main() {
	socket := pflag.String("socket", hilog.DefaultInputSocket, "daemon input socket")
	pflag.Parse()

	p, err := hilog.Dial(hilog.Options{Socket: *socket, Domain: 0x42, Tag: "example"})
	if err != nil {
		slog.Error("dial hilogd", "err", err)
		os.Exit(1)
	}
	defer p.Close()

	handler := hilog.NewHandler(p, slog.LevelDebug)
	defer handler.Shutdown()
	logger := slog.New(handler)

	logger.Info("Hello from Go SDK", "user_id", 42, "status", "active")
	logger.Warn("This is a warning", "retry_count", 3)
	logger.Error("Something went wrong", "error", "connection refused")
	logger.Info("Last message before exit")
}
