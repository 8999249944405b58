// Bedsync - Klipper Bed Calibration Archiver
// Copyright 2026 probeworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/probeworks/bedsync

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

// syncIDKey is the context key for sync cycle IDs.
const syncIDKey contextKey = "sync_id"

// NewSyncID creates a short unique ID for one sync cycle. The first 8
// characters of a UUID are enough to correlate the handful of log lines
// a cycle produces.
func NewSyncID() string {
	return uuid.New().String()[:8]
}

// ContextWithSyncID returns a context carrying the given sync ID.
func ContextWithSyncID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, syncIDKey, id)
}

// SyncIDFromContext retrieves the sync ID, or "" if not present.
func SyncIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(syncIDKey).(string); ok {
		return id
	}
	return ""
}

// Ctx returns a logger with the sync ID (if any) attached, so every log
// line of one fetch-merge-persist cycle can be grouped.
//
//	logging.Ctx(ctx).Info().Msg("sync complete")
func Ctx(ctx context.Context) zerolog.Logger {
	logger := Logger()
	if id := SyncIDFromContext(ctx); id != "" {
		logger = logger.With().Str("sync_id", id).Logger()
	}
	return logger
}
