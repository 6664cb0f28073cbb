package agent

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/agentmux/agentmux/logger"
)

func TestMain(m *testing.M) {
	// Disable logging during tests to avoid polluting the real log file
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
