/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/zonecast/internal/logbuffer"
)

func TestSetupWithBufferCapturesLines(t *testing.T) {
	buf := logbuffer.New(16)
	logger := SetupWithBuffer("production", buf)

	logger.Info().Str("component", "gateway").Int("zone", 3).Msg("stream opened")
	logger.Debug().Msg("below info in production")

	entries := buf.GetAll()
	require.Len(t, entries, 1)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "stream opened", entries[0].Message)
	assert.Equal(t, "gateway", entries[0].Component)
	assert.Equal(t, float64(3), entries[0].Fields["zone"])
}

func TestDevelopmentEnablesDebug(t *testing.T) {
	buf := logbuffer.New(16)
	logger := SetupWithBuffer("development", buf)

	logger.Debug().Msg("visible in development")

	entries := buf.GetAll()
	require.Len(t, entries, 1)
	assert.Equal(t, "debug", entries[0].Level)
}
