// Package verdict defines the remediation vocabulary shared by every
// bouncer component: the three verdict kinds, their priority order, and
// the LAPI duration grammar.
package verdict

// Kind is a remediation verdict. The zero value is not a valid Kind;
// callers should use Bypass, Captcha, or Ban explicitly.
type Kind string

const (
	Bypass  Kind = "bypass"
	Captcha Kind = "captcha"
	Ban     Kind = "ban"
)

// priority maps each known kind to its resolution priority, higher wins.
var priority = map[Kind]int{
	Bypass:  0,
	Captcha: 1,
	Ban:     2,
}

// Priority returns kind's resolution priority. Unknown kinds sort below
// Bypass so a caller that forgot to coerce them never outranks a real verdict.
func Priority(kind Kind) int {
	if p, ok := priority[kind]; ok {
		return p
	}
	return -1
}

// Coerce maps an arbitrary LAPI "type" string onto a known Kind, falling
// back to fallback for anything unrecognised (spec: fallback_remediation,
// default captcha).
func Coerce(raw string, fallback Kind) Kind {
	switch Kind(raw) {
	case Bypass, Captcha, Ban:
		return Kind(raw)
	default:
		return fallback
	}
}

// Less reports whether a sorts before b for stable-sort purposes: higher
// priority first, later expiry wins ties, then larger decision id.
func Less(aKind, bKind Kind, aExpiry, bExpiry int64, aID, bID int64) bool {
	if Priority(aKind) != Priority(bKind) {
		return Priority(aKind) > Priority(bKind)
	}
	if aExpiry != bExpiry {
		return aExpiry > bExpiry
	}
	return aID > bID
}

// Cap lowers verdict to at most the given ceiling kind. Capping only ever
// lowers a verdict; it never raises one.
func Cap(v Kind, ceiling Kind) Kind {
	if Priority(v) > Priority(ceiling) {
		return ceiling
	}
	return v
}
