// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package gateway

import "time"

// BatchConfig controls adaptive batch sizing for replay.
type BatchConfig struct {
	LowWatermark  int           `help:"backlog at or below which the minimum batch applies" default:"10"`
	HighWatermark int           `help:"backlog at or above which the maximum batch applies" default:"500"`
	MinBatch      int           `help:"smallest replay batch" default:"1"`
	MaxBatch      int           `help:"largest replay batch" default:"50"`
	MinDelay      time.Duration `help:"delay between replay batches at low backlog" default:"100ms"`
	MaxDelay      time.Duration `help:"delay between replay batches at high backlog" default:"5s"`
}

// BackpressureConfig controls upload admission.
type BackpressureConfig struct {
	MaxBacklog int `help:"backlog above which new uploads are refused" default:"1000"`
	HardLimit  int `help:"backlog at which uploads are refused before any processing" default:"2000"`
}

// Tune derives the replay batch size and inter-batch delay from the current
// backlog. Between the watermarks both values scale linearly; a latency
// hint adds a quarter of the average observed latency to the delay, capped
// at the maximum.
func Tune(config BatchConfig, backlog int, avgLatency time.Duration) (batch int, delay time.Duration) {
	switch {
	case backlog <= config.LowWatermark:
		batch, delay = config.MinBatch, config.MinDelay
	case backlog >= config.HighWatermark:
		batch, delay = config.MaxBatch, config.MaxDelay
	default:
		span := config.HighWatermark - config.LowWatermark
		frac := float64(backlog-config.LowWatermark) / float64(span)
		batch = config.MinBatch + int(frac*float64(config.MaxBatch-config.MinBatch))
		delay = config.MinDelay + time.Duration(frac*float64(config.MaxDelay-config.MinDelay))
	}

	if avgLatency > 0 {
		delay += avgLatency / 4
	}

	if batch < config.MinBatch {
		batch = config.MinBatch
	}
	if batch > config.MaxBatch {
		batch = config.MaxBatch
	}
	if delay < config.MinDelay {
		delay = config.MinDelay
	}
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	return batch, delay
}

// ReplayDelay derives the interval for the background replay cycle. With a
// backlog the tuned delay applies; an empty backlog floors the interval at
// the configured one, so an idle gateway does not rescan the spool at the
// tuned minimum.
func ReplayDelay(config Config, backlog int, avgLatency time.Duration) time.Duration {
	_, delay := Tune(config.Batch, backlog, avgLatency)
	if backlog == 0 && delay < config.ReplayInterval {
		return config.ReplayInterval
	}
	return delay
}

// ShouldAccept reports whether a new upload may be admitted at the given
// backlog.
func ShouldAccept(config BackpressureConfig, backlog int) bool {
	return backlog < config.MaxBacklog
}

// HardRefuse reports whether the backlog is past the hard limit, at which
// point the gateway refuses before reading any request body.
func HardRefuse(config BackpressureConfig, backlog int) bool {
	return backlog >= config.HardLimit
}
