package db

import (
	"database/sql/driver"
	"strings"
	"sync"
	"unicode"

	sqlite "modernc.org/sqlite"
)

var registerMatchOnce sync.Once

// registerMatchFunction installs the MATCH(needle, haystack) scalar
// function used by filter-search expressions (§4.B): an ASCII-case-
// insensitive whole-word containment test. Registration is process-wide
// and only needs to happen once regardless of how many DB handles are
// opened.
func (d *DB) registerMatchFunction() error {
	var regErr error
	registerMatchOnce.Do(func() {
		regErr = sqlite.RegisterDeterministicScalarFunction("match", 2, matchFunc)
	})
	return regErr
}

func matchFunc(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	needle, _ := args[0].(string)
	haystack, _ := args[1].(string)
	return boolToInt(matchWholeWord(needle, haystack)), nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// matchWholeWord reports whether needle occurs in haystack as a whole
// word, ASCII case-insensitively: the match must not be immediately
// preceded or followed by an ASCII letter or digit.
func matchWholeWord(needle, haystack string) bool {
	if needle == "" {
		return false
	}
	lowerNeedle := strings.ToLower(needle)
	lowerHay := strings.ToLower(haystack)

	start := 0
	for {
		idx := strings.Index(lowerHay[start:], lowerNeedle)
		if idx < 0 {
			return false
		}
		pos := start + idx
		end := pos + len(lowerNeedle)

		before := rune(0)
		if pos > 0 {
			before = rune(lowerHay[pos-1])
		}
		after := rune(0)
		if end < len(lowerHay) {
			after = rune(lowerHay[end])
		}

		if !isWordRune(before) && !isWordRune(after) {
			return true
		}
		start = pos + 1
		if start >= len(lowerHay) {
			return false
		}
	}
}

func isWordRune(r rune) bool {
	return r < 0x80 && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
