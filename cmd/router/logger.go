package main

import (
	"fmt"
	"os"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// makeBaseLogger builds the process-wide logger. The router keeps the
// formatting fixed so that log lines from every supervised goroutine line
// up; LOG_LEVEL is the only knob.
func makeBaseLogger() dlog.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	logger.SetLevel(baseLogLevel())
	return dlog.WrapLogrus(logger)
}

// baseLogLevel parses LOG_LEVEL, defaulting to info. A value logrus does not
// understand is reported on stderr instead of being silently dropped.
func baseLogLevel() logrus.Level {
	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		return logrus.InfoLevel
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ignoring LOG_LEVEL=%q: %v\n", levelStr, err)
		return logrus.InfoLevel
	}
	return level
}
