// Package idgen generates the identifiers used across the staged store.
//
// Every persisted entity gets a prefixed UUIDv7: the prefix names the stage
// ("snap_" raw snapshots, "doc_" normalized documents, "chg_" change records,
// "run_" pipeline runs) and the UUIDv7 keeps IDs sortable by creation time,
// which is the order the change detector reads them back in.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every ID produced by gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Stage prefixes.
const (
	PrefixSnapshot = "snap_"
	PrefixDocument = "doc_"
	PrefixChange   = "chg_"
	PrefixRun      = "run_"
)

// IDs bundles one generator per entity kind. Tests swap in deterministic
// generators; production uses NewIDs.
type IDs struct {
	Snapshot Generator
	Document Generator
	Change   Generator
	Run      Generator
}

// NewIDs returns prefixed UUIDv7 generators for every entity kind.
func NewIDs() IDs {
	base := UUIDv7()
	return IDs{
		Snapshot: Prefixed(PrefixSnapshot, base),
		Document: Prefixed(PrefixDocument, base),
		Change:   Prefixed(PrefixChange, base),
		Run:      Prefixed(PrefixRun, base),
	}
}

// Sequence returns a Generator yielding prefix1, prefix2, ... for tests.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

// Parse validates a prefixed ID and returns its prefix and UUID part.
func Parse(id string) (prefix, raw string, err error) {
	i := strings.IndexByte(id, '_')
	if i < 0 {
		return "", "", fmt.Errorf("idgen: %q has no prefix", id)
	}
	u, err := uuid.Parse(id[i+1:])
	if err != nil {
		return "", "", fmt.Errorf("idgen: invalid UUID in %q: %w", id, err)
	}
	return id[:i+1], u.String(), nil
}
