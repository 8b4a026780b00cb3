package verdict

import (
	"math"
	"regexp"
	"strconv"

	"github.com/charonguard/bouncer/internal/bouncer/bouncererr"
)

// durationPattern mirrors the LAPI duration grammar: optional sign,
// an optional hours+minutes clause (hours may only appear paired with
// minutes; minutes may appear alone), mandatory seconds, an optional
// fractional part, and an optional trailing "m" before the final "s"
// that marks the whole value as milliseconds.
var durationPattern = regexp.MustCompile(`^(-)?(?:(?:(\d+)h)?(\d+)m)?(\d+)(?:\.(\d+))?(m)?s$`)

// ParseDuration parses a LAPI duration string into whole seconds.
//
// The "m" millisecond marker is only accepted when the string also
// carries a fractional-seconds part (e.g. "500.0ms"); a bare "500ms"
// is rejected, since the source grammar is otherwise ambiguous between
// a minutes clause and a milliseconds marker (see DESIGN.md).
func ParseDuration(s string) (int64, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, &bouncererr.ParseError{Input: s}
	}

	negative := m[1] == "-"
	hours := parseIntOrZero(m[2])
	minutes := parseIntOrZero(m[3])
	seconds := parseIntOrZero(m[4])
	frac := m[5]
	msFlag := m[6] == "m"

	if msFlag && frac == "" {
		return 0, &bouncererr.ParseError{Input: s}
	}

	total := float64(hours)*3600 + float64(minutes)*60 + float64(seconds)
	if frac != "" {
		fracVal, err := strconv.ParseFloat("0."+frac, 64)
		if err != nil {
			return 0, &bouncererr.ParseError{Input: s}
		}
		total += fracVal
	}

	if msFlag {
		total *= 0.001
	}

	rounded := math.RoundToEven(total)
	if negative {
		rounded = -rounded
	}

	return int64(rounded), nil
}

func parseIntOrZero(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
