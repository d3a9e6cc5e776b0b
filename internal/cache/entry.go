// Package cache stores computed aggregates with TTL expiry, single-flight
// recomputation and stale-serve on failure.
package cache

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/zeebo/blake3"
)

var (
	// ErrCacheMiss is returned by backends for absent or expired keys
	ErrCacheMiss = errors.New("cache: miss")
	// ErrUnavailable is returned when a computation fails and nothing was cached before
	ErrUnavailable = errors.New("cache: aggregate unavailable")
)

const keyPrefix = "mw:cache:"

// Key identifies a cached aggregate by kind and hashed parameters
type Key struct {
	Kind string
	Hash string
}

// NewKey builds a key from a statistic kind and its parameters
func NewKey(kind string, params ...string) Key {
	if len(params) == 0 {
		return Key{Kind: kind}
	}
	sum := blake3.Sum256([]byte(strings.Join(params, "\x00")))
	return Key{Kind: kind, Hash: hex.EncodeToString(sum[:8])}
}

func (k Key) String() string {
	if k.Hash == "" {
		return keyPrefix + k.Kind
	}
	return keyPrefix + k.Kind + ":" + k.Hash
}

// APIStatus describes how complete a computed aggregate is
type APIStatus struct {
	ProcessedBlocks      int     `json:"processedBlocks"`
	ErrorCount           int     `json:"errorCount"`
	CompletionPercentage float64 `json:"completionPercentage"`
}

// Complete returns the status of an aggregate computed without errors
func Complete(processed int) APIStatus {
	return APIStatus{ProcessedBlocks: processed, CompletionPercentage: 100}
}

// Degraded returns a copy with one more error and completion recomputed
// as processed / (processed + errors)
func (s APIStatus) Degraded() APIStatus {
	s.ErrorCount++
	total := s.ProcessedBlocks + s.ErrorCount
	if total == 0 || s.ProcessedBlocks == 0 {
		s.CompletionPercentage = 0
		return s
	}
	pct := float64(s.ProcessedBlocks) / float64(total) * 100
	if pct > s.CompletionPercentage {
		pct = s.CompletionPercentage
	}
	s.CompletionPercentage = float64(int64(pct*10+0.5)) / 10
	return s
}

// Entry is a cached aggregate
type Entry struct {
	Key        string          `json:"key"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	ComputedAt time.Time       `json:"computedAt"`
	TTL        time.Duration   `json:"ttl"`
	APIStatus  APIStatus       `json:"apiStatus"`
	Stale      bool            `json:"stale"`
}

// Fresh reports whether the entry is within its TTL at now
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.ComputedAt.Add(e.TTL))
}

// Age returns how long ago the entry was computed
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.ComputedAt)
}

// Decode unmarshals the payload into v
func (e *Entry) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}
