package testlogger

import (
	"os"
	"testing"

	"github.com/fedgen/fedgen/common/log"
)

// Level returns the level to default the logger based on the FEDGEN_TEST_LOGS presence
func Level(t testing.TB) int {
	logLevel := log.InfoLevel
	if lvl, ok := os.LookupEnv(log.TestLogsEnv); ok && lvl == "DEBUG" {
		t.Log("Enabling DebugLevel logs")
		logLevel = log.DebugLevel
	}
	return logLevel
}

// New returns a configured logger
func New(t testing.TB) log.Logger {
	return log.New(nil, Level(t), true).
		With("testName", t.Name())
}
