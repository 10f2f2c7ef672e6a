package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// DeriveSessionID returns the deterministic identifier of the session formed by
// two participants. The pair is sorted first so argument order never matters.
func DeriveSessionID(a, b, category string, difficulty Difficulty) string {
	pair := []string{a, b}
	sort.Strings(pair)

	h := sha256.Sum256([]byte(strings.Join([]string{pair[0], pair[1], string(difficulty), category}, "_")))
	return hex.EncodeToString(h[:])
}

// IsValidSessionID checks for a lowercase hex SHA-256 digest.
func IsValidSessionID(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	return sessionIDRegex.MatchString(id)
}
