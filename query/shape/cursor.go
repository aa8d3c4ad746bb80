// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package shape

import (
	"encoding/base64"
	"net/url"
	"strconv"

	"github.com/muralsearch/mural/pkg/mural"
)

// Cursor is the decoded content of a page token. Tokens are opaque to
// clients; the fingerprint binds them to one request shape and the
// snapshot marker to one snapshot.
type Cursor struct {
	Fingerprint string
	Offset      int
	Snapshot    string
}

// EncodeCursor renders the cursor as an opaque token.
func EncodeCursor(cursor Cursor) string {
	values := url.Values{}
	values.Set("fp", cursor.Fingerprint)
	values.Set("off", strconv.Itoa(cursor.Offset))
	values.Set("snap", cursor.Snapshot)
	return base64.URLEncoding.EncodeToString([]byte(values.Encode()))
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrPageToken.New("undecodable token")
	}
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return Cursor{}, ErrPageToken.New("malformed token")
	}
	offset, err := strconv.Atoi(values.Get("off"))
	if err != nil || offset < 0 {
		return Cursor{}, ErrPageToken.New("bad offset")
	}
	return Cursor{
		Fingerprint: values.Get("fp"),
		Offset:      offset,
		Snapshot:    values.Get("snap"),
	}, nil
}

// Paginate slices one page out of the shaped list. The token, when
// present, must carry the caller's fingerprint and the current snapshot
// marker; repeated identical requests against the same snapshot return
// identical pages and tokens.
func Paginate(results []mural.QueryResult, limit int, token, fingerprint, snapshotMarker string) (page []mural.QueryResult, next string, err error) {
	offset := 0
	if token != "" {
		cursor, err := DecodeCursor(token)
		if err != nil {
			return nil, "", err
		}
		if cursor.Fingerprint != fingerprint {
			return nil, "", ErrPageToken.New("token minted for a different request")
		}
		if cursor.Snapshot != snapshotMarker {
			return nil, "", ErrSnapshotShifted.New("token minted against a replaced snapshot")
		}
		offset = cursor.Offset
	}

	if limit <= 0 {
		limit = len(results)
	}
	if offset >= len(results) {
		return []mural.QueryResult{}, "", nil
	}

	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	page = results[offset:end]

	if end < len(results) {
		next = EncodeCursor(Cursor{
			Fingerprint: fingerprint,
			Offset:      end,
			Snapshot:    snapshotMarker,
		})
	}
	return page, next, nil
}
