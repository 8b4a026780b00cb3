// Package decision implements the Decision Index (spec C3): a map from a
// scoped identifier (IP, CIDR, country) to an ordered multiset of active
// decisions, merged on insert. A key's entry expires lazily on read once
// its latest member expiry has passed; tuples that lapsed earlier stay in
// a still-live entry until it is rewritten or removed.
package decision

// Scope is the addressing domain of a decision.
type Scope string

const (
	ScopeIP      Scope = "ip"
	ScopeRange   Scope = "range"
	ScopeCountry Scope = "country"
)

// Decision is LAPI's immutable, id-keyed statement that a scope+value
// should receive a given verdict for a duration.
type Decision struct {
	ID       int64
	Type     string
	Scope    Scope
	Value    string
	Duration string
	StartIP  string
	EndIP    string
}
