package config

import "golang.org/x/text/cases"

// FoldKey returns the case-folded form of s used for case-insensitive
// username and character lookups. The original casing is never replaced by
// the folded key; callers use it only for comparisons and map keys.
func FoldKey(s string) string {
	// A Caser carries state and must not be shared between goroutines.
	return cases.Fold().String(s)
}

// SameName reports whether a and b are equal under case folding.
func SameName(a, b string) bool {
	return a == b || FoldKey(a) == FoldKey(b)
}
