package types

import (
	"strconv"
	"strings"
	"time"
)

// CompareRevisions orders two remote revision tokens.
//
// Tokens are opaque, but remotes use either version counters or change
// timestamps. Both-numeric tokens compare numerically, both-RFC 3339 tokens
// chronologically, anything else lexically. The empty token sorts first.
// The result is -1, 0 or +1.
func CompareRevisions(a, b string) int {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == b:
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}

	if ai, errA := strconv.ParseInt(a, 10, 64); errA == nil {
		if bi, errB := strconv.ParseInt(b, 10, 64); errB == nil {
			return compareInts(ai, bi)
		}
	}

	if at, errA := time.Parse(time.RFC3339Nano, a); errA == nil {
		if bt, errB := time.Parse(time.RFC3339Nano, b); errB == nil {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}

	return strings.Compare(a, b)
}

// RevisionOlder reports whether candidate is strictly older than current.
func RevisionOlder(candidate, current string) bool {
	return CompareRevisions(candidate, current) < 0
}

func compareInts(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
