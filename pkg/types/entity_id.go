package types

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

// Entity IDs follow the format "ent:<slug>-<hash8>" where the slug is derived
// from the normalized entity name and the 8-hex-digit suffix hashes the
// normalized (name, role) pair. The hash keeps IDs collision-resistant for
// entities that share a display name, and the derivation is deterministic so
// re-extraction of the same entity always lands on the same ID. An ID is
// never reused once assigned.

const entityIDPrefix = "ent:"

var entityIDPattern = regexp.MustCompile(`^ent:[\p{L}\p{N}-]+-[0-9a-f]{8}$`)

// DeriveEntityID computes the stable identifier for an entity from its
// normalized name and role.
func DeriveEntityID(name, role string) string {
	n := normalizeIdentity(name)
	r := normalizeIdentity(role)

	sum := sha256.Sum256([]byte(n + "\x00" + r))
	return entityIDPrefix + slugify(n) + "-" + hex.EncodeToString(sum[:])[:8]
}

// SameIdentity reports whether two display names normalize to the same
// identity.
func SameIdentity(a, b string) bool {
	return normalizeIdentity(a) == normalizeIdentity(b)
}

// IsWellFormedEntityID reports whether id matches the derived-ID format.
// Merge output containing an ID that fails this check is rejected during
// validation.
func IsWellFormedEntityID(id string) bool {
	return entityIDPattern.MatchString(id)
}

// normalizeIdentity lowercases and collapses whitespace so cosmetic
// differences in extraction output do not mint new identities.
func normalizeIdentity(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// slugify keeps letters and digits (any script) and folds everything else
// into single dashes.
func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		out = "entity"
	}
	return out
}
