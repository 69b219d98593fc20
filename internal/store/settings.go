// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package store

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"
)

// Settings reads runtime toggles from the settings table. A missing key
// or a storage failure falls back to the caller's default so a degraded
// database never changes portal behavior mid-flight.
type Settings struct {
	db     DB
	logger *slog.Logger
}

// NewSettings creates a Settings reader.
func NewSettings(db DB, logger *slog.Logger) *Settings {
	return &Settings{db: db, logger: logger}
}

// Get returns the raw value for key, or ErrSettingNotFound.
func (s *Settings) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx, `
		SELECT value FROM settings WHERE key = $1
	`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	if err != nil {
		return "", oops.Code("SETTING_READ_FAILED").
			With("operation", "read setting").
			With("key", key).
			Wrap(err)
	}
	return value, nil
}

// Bool reads key as a boolean, returning def when the key is absent,
// unreadable, or not parseable as a bool.
func (s *Settings) Bool(ctx context.Context, key string, def bool) bool {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrSettingNotFound) {
		return def
	}
	if err != nil {
		s.logger.Warn("setting read failed, using default",
			slog.String("key", key),
			slog.Bool("default", def),
			slog.Any("error", err))
		return def
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		s.logger.Warn("setting is not a bool, using default",
			slog.String("key", key),
			slog.String("value", raw),
			slog.Bool("default", def))
		return def
	}
	return parsed
}

// Set upserts a setting.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return oops.Code("SETTING_WRITE_FAILED").
			With("operation", "upsert setting").
			With("key", key).
			Wrap(err)
	}
	return nil
}

// ErrSettingNotFound is returned when a setting key has no row.
var ErrSettingNotFound = oops.Code("SETTING_NOT_FOUND").Errorf("setting not found")
