package dms

import (
	"fmt"
	"strconv"
	"strings"
)

// Quorum decides how many relay acknowledgements a write needs.
type Quorum struct {
	mode  string
	fixed int
}

// MajorityQuorum is the default: max(1, ceil(n/2)).
func MajorityQuorum() Quorum { return Quorum{mode: "majority"} }

// ParseQuorum accepts "majority", "all", "one" or a positive integer.
// An empty string means majority.
func ParseQuorum(s string) (Quorum, error) {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "", "majority":
		return MajorityQuorum(), nil
	case "all", "one":
		return Quorum{mode: s}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return Quorum{}, fmt.Errorf("invalid quorum policy %q: want majority, all, one or a positive integer", s)
	}
	return Quorum{mode: "fixed", fixed: n}, nil
}

// Required returns the acknowledgements needed out of n relays. A fixed
// count larger than n is capped at n.
func (q Quorum) Required(n int) int {
	if n <= 0 {
		return 1
	}
	switch q.mode {
	case "all":
		return n
	case "one":
		return 1
	case "fixed":
		return min(q.fixed, n)
	default:
		return max(1, (n+1)/2)
	}
}

func (q Quorum) String() string {
	switch q.mode {
	case "":
		return "majority"
	case "fixed":
		return strconv.Itoa(q.fixed)
	}
	return q.mode
}
