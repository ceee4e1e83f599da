package cache

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Key builds the normalized cache key for a query against a resource
// kind. Normalization is what makes the cache the primary quota-saving
// mechanism: semantically identical queries must share one entry, since
// a hit bypasses the quota ledger entirely.
//
// Normalization steps, in order:
//  1. Unicode NFC normalization
//  2. case folding to lower
//  3. whitespace collapse (runs of spaces/tabs/newlines become one space)
//  4. stable ordering of terms (space-separated terms sorted)
//
// The resource kind prefixes the key so different value shapes never
// collide ("search" results vs "details" blobs for the same text).
func Key(kind, query string) string {
	return kind + ":" + Normalize(query)
}

// Normalize canonicalizes a query string per the steps described on Key.
func Normalize(query string) string {
	folded := strings.ToLower(norm.NFC.String(query))
	terms := strings.Fields(folded)
	sort.Strings(terms)
	return strings.Join(terms, " ")
}
