package translate

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultFingerprintLen is the number of leading content bytes that
	// identify a tool-output fragment.
	DefaultFingerprintLen = 256
	// DefaultDedupSize bounds the number of remembered fingerprints.
	DefaultDedupSize = 4096
)

// Deduper remembers (call id, content fingerprint) pairs so a fragment that
// arrives through more than one notification is emitted once.
type Deduper struct {
	seen *lru.Cache[string, struct{}]
	n    int
}

// NewDeduper returns a Deduper holding up to size keys. Non-positive
// arguments select the defaults.
func NewDeduper(size, fingerprintLen int) *Deduper {
	if size <= 0 {
		size = DefaultDedupSize
	}
	if fingerprintLen <= 0 {
		fingerprintLen = DefaultFingerprintLen
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, struct{}](size)
	return &Deduper{seen: cache, n: fingerprintLen}
}

// Fingerprint returns the first n bytes of content.
func Fingerprint(content string, n int) string {
	if len(content) <= n {
		return content
	}
	return content[:n]
}

// Seen records the pair and reports whether it had been recorded before.
func (d *Deduper) Seen(callID, content string) bool {
	key := callID + "\x00" + Fingerprint(content, d.n)
	found, _ := d.seen.ContainsOrAdd(key, struct{}{})
	return found
}
