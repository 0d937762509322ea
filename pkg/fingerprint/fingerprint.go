// Package fingerprint provides the relay identity and pair types shared by
// every other package in this module.
package fingerprint

import (
	"fmt"
	"strings"
)

// Length is the fixed length of a relay fingerprint: 40 uppercase hex chars.
const Length = 40

// Fingerprint identifies a single relay. Equality is by string value.
type Fingerprint string

// Valid reports whether fp is exactly 40 hex characters.
func (fp Fingerprint) Valid() bool {
	if len(fp) != Length {
		return false
	}
	for _, r := range string(fp) {
		if !isHex(r) {
			return false
		}
	}
	return true
}

func isHex(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'A' && r <= 'F':
		return true
	case r >= 'a' && r <= 'f':
		return true
	default:
		return false
	}
}

// Normalize uppercases fp, matching the wire convention used by the
// control protocol and the cache file format.
func (fp Fingerprint) Normalize() Fingerprint {
	return Fingerprint(strings.ToUpper(string(fp)))
}

// Parse validates and normalizes a raw fingerprint string.
func Parse(s string) (Fingerprint, error) {
	fp := Fingerprint(s).Normalize()
	if !fp.Valid() {
		return "", fmt.Errorf("fingerprint %q: must be %d hex characters", s, Length)
	}
	return fp, nil
}

// Pair is a canonicalized, unordered pair of two non-anchor relays: X < Y
// lexicographically.
type Pair struct {
	X Fingerprint
	Y Fingerprint
}

// NewPair canonicalizes a and b into a Pair with X < Y.
func NewPair(a, b Fingerprint) Pair {
	if a <= b {
		return Pair{X: a, Y: b}
	}
	return Pair{X: b, Y: a}
}

// Key returns a stable string key for use in sets/maps, e.g. dedup.
func (p Pair) Key() string {
	return string(p.X) + "-" + string(p.Y)
}

// Path is an ordered sequence of 3 or 4 fingerprints: the first and last
// are always the configured anchors.
type Path []Fingerprint

// Key returns the cache key for this path: fingerprints joined by "-".
func (p Path) Key() string {
	parts := make([]string, len(p))
	for i, fp := range p {
		parts[i] = string(fp)
	}
	return strings.Join(parts, "-")
}

// Valid reports whether the path has 3 or 4 hops.
func (p Path) Valid() bool {
	return len(p) == 3 || len(p) == 4
}

// WXYZPaths builds the three circuit paths measured for one (x, y) pair
// given anchors w and z: P1 = [w,x,y,z], P2 = [w,x,z], P3 = [w,y,z].
func WXYZPaths(w, x, y, z Fingerprint) (p1, p2, p3 Path) {
	return Path{w, x, y, z}, Path{w, x, z}, Path{w, y, z}
}
