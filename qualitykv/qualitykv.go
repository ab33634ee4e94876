// Package qualitykv defines the quality-tagged cache over external analytics
// results. Values are stored as envelopes carrying freshness metadata; reads
// classify an envelope as fresh, stale, too_old or missing relative to the
// query's TTL and maximum age. The store is single-writer (the background
// scheduler) and multi-reader (episode intelligence instances).
package qualitykv

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

type (
	// Envelope wraps a cached analytics payload with its freshness metadata.
	// Envelopes for the same key are monotonic in FetchedAt; the store
	// rejects writes that would move a key backwards in time.
	Envelope struct {
		// OK is false when the producing fetch failed; Error then carries the
		// reason and Data is empty.
		OK bool `json:"ok"`
		// Data is the opaque query payload.
		Data json.RawMessage `json:"data,omitempty"`
		// FetchedAt is the wall time the payload was produced.
		FetchedAt time.Time `json:"fetched_at"`
		// TTLSeconds bounds the fresh window.
		TTLSeconds int64 `json:"ttl_seconds"`
		// MaxAgeSeconds bounds the stale window; older envelopes are too_old.
		MaxAgeSeconds int64 `json:"max_age_seconds"`
		// Error holds the failure reason when OK is false.
		Error string `json:"error,omitempty"`
		// Source identifies the producer (e.g. "dune_execute", "seed", "mock").
		Source string `json:"source"`
	}

	// Quality classifies an envelope's age relative to its TTL and max age.
	Quality string

	// Record is the per-query freshness entry captured into episode intel
	// snapshots: quality, age in seconds (null when missing) and the as-of
	// timestamp of the underlying data (null when missing).
	Record struct {
		Quality    Quality `json:"quality"`
		AgeSeconds *int64  `json:"age_seconds"`
		AsOf       *string `json:"asof_timestamp"`
	}

	// Store persists envelopes by canonical cache key. Implementations must
	// be safe for one writer with concurrent readers, keep writes atomic and
	// enforce per-key FetchedAt monotonicity.
	Store interface {
		// Get returns the envelope for key. The boolean is false when the key
		// has never been written.
		Get(ctx context.Context, key string) (Envelope, bool, error)
		// Set stores env under key. Writes whose FetchedAt is older than the
		// stored envelope's are dropped without error.
		Set(ctx context.Context, key string, env Envelope) error
		// SetMany stores a batch of envelopes with the same semantics as Set.
		SetMany(ctx context.Context, items map[string]Envelope) error
		// Keys returns all stored keys. Intended for diagnostics and tests.
		Keys(ctx context.Context) ([]string, error)
	}
)

const (
	// QualityFresh means age <= TTL.
	QualityFresh Quality = "fresh"
	// QualityStale means TTL < age <= max age; the value is served while the
	// scheduler revalidates in the background.
	QualityStale Quality = "stale"
	// QualityTooOld means age > max age; the value is withheld from readers.
	QualityTooOld Quality = "too_old"
	// QualityMissing means no usable envelope exists.
	QualityMissing Quality = "missing"
)

// Key builds the canonical cache key for a query and its parameters:
// method(param=value,…) with parameters sorted by name. Empty parameter
// values are omitted so optional parameters do not fragment the key space.
// Timestamps never appear in keys; windowed queries carry their fixed window
// label instead.
func Key(queryKey string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(queryKey)
	b.WriteByte('(')
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteByte(')')
	return b.String()
}

// QualityAt classifies the envelope at wall time now against the given TTL
// and max age. Failed or zero-time envelopes are missing.
func (e Envelope) QualityAt(now time.Time, ttl, maxAge time.Duration) (Quality, *int64) {
	if !e.OK || e.FetchedAt.IsZero() {
		return QualityMissing, nil
	}
	age := now.Sub(e.FetchedAt)
	ageSec := int64(age / time.Second)
	switch {
	case age <= ttl:
		return QualityFresh, &ageSec
	case age <= maxAge:
		return QualityStale, &ageSec
	default:
		return QualityTooOld, &ageSec
	}
}

// RecordAt builds the snapshot record for the envelope at time now.
func (e Envelope) RecordAt(now time.Time, ttl, maxAge time.Duration) Record {
	q, age := e.QualityAt(now, ttl, maxAge)
	rec := Record{Quality: q, AgeSeconds: age}
	if q != QualityMissing {
		asof := e.FetchedAt.UTC().Format(time.RFC3339)
		rec.AsOf = &asof
	}
	return rec
}

// MissingRecord is the snapshot record for a key with no usable envelope.
func MissingRecord() Record {
	return Record{Quality: QualityMissing}
}
