// Package translate holds the pure helpers shared by both engine adapters:
// fragment merging, token-usage normalization, tool-call and tool-output
// extraction, and fingerprint de-duplication.
package translate

import (
	"encoding/json"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// MergeKind describes how Merge combined two fragments.
type MergeKind int

const (
	// MergeUnchanged means next was empty, a duplicate, or stale.
	MergeUnchanged MergeKind = iota
	// MergeReplaced means next extends or supersedes prev.
	MergeReplaced
	// MergeAppended means next was appended to prev, minus any overlap.
	MergeAppended
)

func (k MergeKind) String() string {
	switch k {
	case MergeUnchanged:
		return "unchanged"
	case MergeReplaced:
		return "replaced"
	case MergeAppended:
		return "appended"
	default:
		return "unknown"
	}
}

// minOverlap is the shortest suffix/prefix overlap treated as a re-sent
// region rather than a coincidence.
const minOverlap = 8

var dmp = diffmatchpatch.New()

// Merge combines the previously known value of a streamed field with a newly
// received fragment of the same field. Engines re-send values in several
// forms: a growing snapshot (next starts with prev), a stale or duplicate
// snapshot (prev contains next), a superseding snapshot (next contains prev
// or rewrites its tail), a differently formatted JSON document, or a
// continuation whose head repeats the end of prev. A short continuation that
// already occurs inside prev counts as a duplicate, so true deltas are
// appended by the caller rather than merged.
//
// For JSON-equal fragments the longer encoding wins. That keeps the pretty
// printed form over a compact one, but it is a size heuristic and can pick
// either when both encodings carry the same content.
func Merge(prev, next string) (string, MergeKind) {
	switch {
	case next == "" || next == prev:
		return prev, MergeUnchanged
	case prev == "":
		return next, MergeReplaced
	case strings.HasPrefix(next, prev):
		return next, MergeReplaced
	case strings.Contains(prev, next):
		return prev, MergeUnchanged
	case strings.Contains(next, prev):
		return next, MergeReplaced
	}

	if a, ok := StableJSON(prev); ok {
		if b, ok := StableJSON(next); ok && a == b {
			if len(next) > len(prev) {
				return next, MergeReplaced
			}
			return prev, MergeUnchanged
		}
	}

	// A long shared head means next is a revision of prev.
	if p := dmp.DiffCommonPrefix(prev, next); p > 0 && p*2 >= len(prev) {
		return next, MergeReplaced
	}

	if k := dmp.DiffCommonOverlap(prev, next); k >= minOverlap {
		return prev + next[k:], MergeAppended
	}
	return prev + next, MergeAppended
}

// StableJSON returns a canonical encoding of s (sorted keys, no
// insignificant whitespace) when s is a JSON object or array.
func StableJSON(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return "", false
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return "", false
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(out), true
}
