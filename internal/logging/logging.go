/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logging configures the process-wide zerolog output: a
// human-readable console in development, JSON elsewhere, optionally
// teed into the in-memory ring behind /admin/api/logs.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/friendsincode/zonecast/internal/logbuffer"
)

// Setup configures zerolog for the process. Development drops the
// level to debug and renders for a terminal.
func Setup(environment string) zerolog.Logger {
	return SetupWithBuffer(environment, nil)
}

// SetupWithBuffer additionally captures every line into the log ring.
// The ring receives the JSON form regardless of the console format, so
// the admin surface can filter on level, component and zone.
func SetupWithBuffer(environment string, buf *logbuffer.Buffer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	var out io.Writer = os.Stdout
	if environment == "development" {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	if buf != nil {
		out = zerolog.MultiLevelWriter(out, logbuffer.NewWriter(buf, nil))
	}

	logger := zerolog.New(out).With().Timestamp().Logger().Level(level)
	log.Logger = logger
	return logger
}
