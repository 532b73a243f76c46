// Package tsid defines the entity identifier format shared by every
// subsystem: a short uppercase base-36 string whose first character encodes
// the entity kind. Locations, groups and players are "top level" — they own a
// request queue and anchor the ownership mapping; everything else is reached
// through a top-level root.
package tsid

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Entity kind markers (first TSID character).
const (
	KindLocation      = 'L'
	KindGroup         = 'R'
	KindPlayer        = 'P'
	KindBag           = 'B'
	KindItem          = 'I'
	KindDataContainer = 'D'
	KindQuest         = 'Q'
	KindGeo           = 'G'
)

const base36 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Kind returns the kind marker of a TSID, or 0 for an empty string.
func Kind(t string) byte {
	if t == "" {
		return 0
	}
	return t[0]
}

// IsTopLevel reports whether the TSID names a location, group or player —
// the entity kinds that own a request queue and map to an owner GS directly.
func IsTopLevel(t string) bool {
	switch Kind(t) {
	case KindLocation, KindGroup, KindPlayer:
		return true
	}
	return false
}

// Valid reports whether t is a well-formed TSID: a known kind marker followed
// by at least one base-36 character, all uppercase.
func Valid(t string) bool {
	if len(t) < 2 {
		return false
	}
	switch t[0] {
	case KindLocation, KindGroup, KindPlayer, KindBag, KindItem,
		KindDataContainer, KindQuest, KindGeo:
	default:
		return false
	}
	for i := 1; i < len(t); i++ {
		if !strings.ContainsRune(base36, rune(t[i])) {
			return false
		}
	}
	return true
}

// Generator mints new TSIDs. IDs are time-ordered (base-36 millisecond
// timestamp) with a per-process counter to disambiguate same-millisecond
// mints, plus a per-process suffix so two GS workers never collide.
type Generator struct {
	suffix  string
	counter atomic.Uint64
}

// NewGenerator creates a Generator whose minted TSIDs carry the given
// process suffix (conventionally the GS ordinal, base-36).
func NewGenerator(ordinal int) *Generator {
	if ordinal < 0 {
		ordinal = 0
	}
	return &Generator{suffix: strings.ToUpper(strconv.FormatInt(int64(ordinal), 36))}
}

// Next mints a TSID of the given kind.
func (g *Generator) Next(kind byte) string {
	ms := time.Now().UnixMilli()
	n := g.counter.Add(1)

	var b strings.Builder
	b.Grow(20)
	b.WriteByte(kind)
	b.WriteString(strings.ToUpper(strconv.FormatInt(ms, 36)))
	b.WriteString(strings.ToUpper(strconv.FormatUint(n, 36)))
	b.WriteString(g.suffix)
	return b.String()
}
