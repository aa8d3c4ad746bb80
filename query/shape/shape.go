// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package shape turns a fused candidate list into the response surface:
// redaction, grouping, and cursor pagination.
package shape

import (
	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()

	// Error is the shaping error class.
	Error = errs.Class("shape")
	// ErrPageToken marks tokens that do not belong to this request.
	ErrPageToken = errs.Class("invalid page token")
	// ErrSnapshotShifted marks tokens minted against a replaced snapshot.
	ErrSnapshotShifted = errs.Class("snapshot shifted")
)
