// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

// Package snapshottest builds populated snapshot databases for tests.
package snapshottest

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/muralsearch/mural/pkg/mural"
	"github.com/muralsearch/mural/query/generate"
)

// Asset seeds one media_assets row.
type Asset struct {
	ID         string
	MediaType  string
	URI        string
	Title      string
	Scope      mural.Scope
	DurationMS int64
}

// Chunk seeds one doc_chunks row.
type Chunk struct {
	ID        string
	AssetID   string
	URI       string
	Content   string
	Embedding []float32
	Scope     mural.Scope
}

// Transcript seeds one transcripts row.
type Transcript struct {
	ID             string
	AssetID        string
	URI            string
	Content        string
	StartMS, EndMS int64
	Embedding      []float32
	Scope          mural.Scope
}

// Frame seeds one frames row.
type Frame struct {
	ID           string
	AssetID      string
	URI          string
	ThumbnailURI string
	StartMS      int64
	Embedding    []float32
	Scope        mural.Scope
}

// AudioSegment seeds one audio_segments row.
type AudioSegment struct {
	ID             string
	AssetID        string
	URI            string
	StartMS, EndMS int64
	Embedding      []float32
	Scope          mural.Scope
}

// DB is the complete content of a test snapshot.
type DB struct {
	Assets        []Asset
	Chunks        []Chunk
	Transcripts   []Transcript
	Frames        []Frame
	AudioSegments []AudioSegment
}

const schema = `
CREATE TABLE media_assets (
	id TEXT PRIMARY KEY, media_type TEXT, uri TEXT, title TEXT,
	org_id TEXT, site_id TEXT, stream_id TEXT,
	duration_ms INTEGER, created_at TEXT
);
CREATE TABLE doc_chunks (
	id TEXT PRIMARY KEY, asset_id TEXT, uri TEXT, content TEXT,
	embedding BLOB, org_id TEXT, site_id TEXT, stream_id TEXT
);
CREATE TABLE transcripts (
	id TEXT PRIMARY KEY, asset_id TEXT, uri TEXT, content TEXT,
	start_ms INTEGER, end_ms INTEGER, embedding BLOB,
	org_id TEXT, site_id TEXT, stream_id TEXT
);
CREATE TABLE frames (
	id TEXT PRIMARY KEY, asset_id TEXT, uri TEXT, thumbnail_uri TEXT,
	start_ms INTEGER, embedding BLOB,
	org_id TEXT, site_id TEXT, stream_id TEXT
);
CREATE TABLE audio_segments (
	id TEXT PRIMARY KEY, asset_id TEXT, uri TEXT,
	start_ms INTEGER, end_ms INTEGER, embedding BLOB,
	org_id TEXT, site_id TEXT, stream_id TEXT
);
`

// Build writes a snapshot database file at path.
func Build(t testing.TB, path string, content DB) {
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	_, err = db.Exec(schema)
	require.NoError(t, err)

	for _, a := range content.Assets {
		_, err = db.Exec(
			`INSERT INTO media_assets (id, media_type, uri, title, org_id, site_id, stream_id, duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
			a.ID, a.MediaType, a.URI, a.Title, a.Scope.OrgID, a.Scope.SiteID, a.Scope.StreamID, a.DurationMS)
		require.NoError(t, err)
	}
	for _, c := range content.Chunks {
		_, err = db.Exec(
			`INSERT INTO doc_chunks (id, asset_id, uri, content, embedding, org_id, site_id, stream_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.AssetID, c.URI, c.Content, generate.EncodeEmbedding(c.Embedding),
			c.Scope.OrgID, c.Scope.SiteID, c.Scope.StreamID)
		require.NoError(t, err)
	}
	for _, tr := range content.Transcripts {
		_, err = db.Exec(
			`INSERT INTO transcripts (id, asset_id, uri, content, start_ms, end_ms, embedding, org_id, site_id, stream_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tr.ID, tr.AssetID, tr.URI, tr.Content, tr.StartMS, tr.EndMS, generate.EncodeEmbedding(tr.Embedding),
			tr.Scope.OrgID, tr.Scope.SiteID, tr.Scope.StreamID)
		require.NoError(t, err)
	}
	for _, f := range content.Frames {
		_, err = db.Exec(
			`INSERT INTO frames (id, asset_id, uri, thumbnail_uri, start_ms, embedding, org_id, site_id, stream_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.AssetID, f.URI, f.ThumbnailURI, f.StartMS, generate.EncodeEmbedding(f.Embedding),
			f.Scope.OrgID, f.Scope.SiteID, f.Scope.StreamID)
		require.NoError(t, err)
	}
	for _, s := range content.AudioSegments {
		_, err = db.Exec(
			`INSERT INTO audio_segments (id, asset_id, uri, start_ms, end_ms, embedding, org_id, site_id, stream_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.AssetID, s.URI, s.StartMS, s.EndMS, generate.EncodeEmbedding(s.Embedding),
			s.Scope.OrgID, s.Scope.SiteID, s.Scope.StreamID)
		require.NoError(t, err)
	}
}
