package recon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"paperflow/internal/store"
)

// cacheKey is the key-value slot holding the reconciliation match cache.
const cacheKey = "reconciliation_matches"

// StatementHash fingerprints a statement's raw bytes. The cache is only
// trusted for the exact same bytes.
func StatementHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CachedMatch is the durable remnant of one match: enough to resolve the
// statement entry again on replay.
type CachedMatch struct {
	EndToEndID string `json:"endToEndId,omitempty"`
	LineFrom   int    `json:"lineFrom"`
	LineTo     int    `json:"lineTo"`
}

// cacheDoc is the persisted JSON shape.
type cacheDoc struct {
	Hash    string                 `json:"hash"`
	Matches map[string]CachedMatch `json:"matches"`
}

// MatchCache persists one statement's matches keyed by invoice id. A new
// statement hash invalidates the whole cache.
type MatchCache struct {
	kv store.KV
}

func NewMatchCache(kv store.KV) *MatchCache {
	return &MatchCache{kv: kv}
}

// Load returns the cached matches when the stored hash equals the given
// one, an empty map otherwise.
func (c *MatchCache) Load(hash string) (map[string]CachedMatch, error) {
	const op = "Load"

	raw, ok, err := c.kv.Get(cacheKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, nil
	}

	var doc cacheDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%s: failed to decode match cache: %w", op, err)
	}
	if doc.Hash != hash {
		return nil, nil
	}
	return doc.Matches, nil
}

// Save overwrites the cache with the given statement's matches.
func (c *MatchCache) Save(hash string, matches []Match) error {
	const op = "Save"

	doc := cacheDoc{Hash: hash, Matches: map[string]CachedMatch{}}
	for _, m := range matches {
		doc.Matches[m.InvoiceID] = CachedMatch{
			EndToEndID: m.EndToEndID,
			LineFrom:   m.LineFrom,
			LineTo:     m.LineTo,
		}
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%s: failed to encode match cache: %w", op, err)
	}
	if err := c.kv.Set(cacheKey, string(encoded)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
