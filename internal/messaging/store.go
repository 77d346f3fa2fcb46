// Package messaging implements the listening socket that accepts
// query-config payloads and returns the fusion engine's per-query replies,
// plus the QueryConfig store the listener and fusion tasks share.
package messaging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"
)

// QueryConfig is a client-registered fusion configuration: the set of
// receivers, the chosen associator/localiser, and the ADS-B source url.
// Identical payloads refresh LastSeen in place rather than duplicating the
// entry (the hash is a function of the payload alone).
type QueryConfig struct {
	Hash         string
	Servers      []string
	Associator   string
	Localisation string
	Adsb         string
	LastSeen     time.Time
}

var recognisedKeys = map[string]bool{
	"server":       true,
	"associator":   true,
	"localisation": true,
	"adsb":         true,
}

// HashPayload returns the first 10 hex characters of the payload's SHA-256
// digest, used as the QueryConfig id.
func HashPayload(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:10]
}

// ParseQueryConfig parses the original HTTP query-string form of a client
// request. Unknown keys are rejected at this boundary so the core only ever
// sees validated configs.
func ParseQueryConfig(raw string) (QueryConfig, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return QueryConfig{}, fmt.Errorf("parsing query payload: %w", err)
	}
	for key := range values {
		if !recognisedKeys[key] {
			return QueryConfig{}, fmt.Errorf("unrecognised query key %q", key)
		}
	}

	servers := append([]string(nil), values["server"]...)
	sort.Strings(servers)

	return QueryConfig{
		Hash:         HashPayload(raw),
		Servers:      servers,
		Associator:   values.Get("associator"),
		Localisation: values.Get("localisation"),
		Adsb:         values.Get("adsb"),
	}, nil
}

// Store holds the live QueryConfig set and the latest reply computed for
// each one. It is the sole piece of state shared between the listener task
// (which only appends/refreshes) and the fusion task (which only reads and
// reaps); every mutation happens under mu, per the concurrency model.
type Store struct {
	mu      sync.Mutex
	configs map[string]*QueryConfig
	replies map[string]Reply
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		configs: make(map[string]*QueryConfig),
		replies: make(map[string]Reply),
	}
}

// Upsert parses raw and inserts or refreshes the corresponding QueryConfig,
// returning a copy of the stored entry.
func (s *Store) Upsert(raw string, now time.Time) (QueryConfig, error) {
	cfg, err := ParseQueryConfig(raw)
	if err != nil {
		return QueryConfig{}, err
	}
	cfg.LastSeen = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.configs[cfg.Hash]; ok {
		existing.LastSeen = now
		return *existing, nil
	}
	stored := cfg
	s.configs[cfg.Hash] = &stored
	return stored, nil
}

// Reap removes every QueryConfig whose last-seen age exceeds tDeleteSeconds,
// returning the hashes it removed.
func (s *Store) Reap(tDeleteSeconds float64, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for hash, cfg := range s.configs {
		if now.Sub(cfg.LastSeen).Seconds() > tDeleteSeconds {
			delete(s.configs, hash)
			delete(s.replies, hash)
			removed = append(removed, hash)
		}
	}
	return removed
}

// Snapshot returns a stable copy of every live QueryConfig, in ascending
// hash order, for the fusion task to iterate without holding the lock.
func (s *Store) Snapshot() []QueryConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]QueryConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, *cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// SetReply stores the latest computed reply for hash.
func (s *Store) SetReply(hash string, r Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[hash] = r
}

// GetReply returns the latest computed reply for hash, if any.
func (s *Store) GetReply(hash string) (Reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replies[hash]
	return r, ok
}
