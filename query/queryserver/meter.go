// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package queryserver

import (
	"context"

	"go.uber.org/zap"

	"github.com/muralsearch/mural/pkg/mural"
)

// Usage is one metering record.
type Usage struct {
	EventType           string
	Scope               mural.Scope
	CredentialID        string
	Modalities          []string
	Units               int
	BytesIn             int64
	WeightVersion       string
	SnapshotFingerprint string
}

// Sink receives usage records. Failures are logged and swallowed by the
// caller; they never fail the query.
type Sink interface {
	Record(ctx context.Context, usage Usage) error
}

// LogSink emits usage records as structured logs.
type LogSink struct {
	Log *zap.Logger
}

// Record implements Sink.
func (s LogSink) Record(ctx context.Context, usage Usage) error {
	s.Log.Info("usage",
		zap.String("event_type", usage.EventType),
		zap.String("credential_id", usage.CredentialID),
		zap.Strings("modalities", usage.Modalities),
		zap.Int("units", usage.Units),
		zap.Int64("bytes_in", usage.BytesIn),
		zap.String("weight_version", usage.WeightVersion),
		zap.String("snapshot_fingerprint", usage.SnapshotFingerprint),
	)
	return nil
}
