package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/charonguard/bouncer/internal/bouncer/bouncererr"
	"github.com/charonguard/bouncer/internal/bouncer/cache"
	"github.com/charonguard/bouncer/internal/bouncer/verdict"
)

// DecisionTag is the Cache Store tag every decision entry carries,
// regardless of scope (spec §3: "Tagged remediation").
const DecisionTag = "remediation"

// RangeTag is the additional Cache Store tag every range-scoped entry
// carries on top of DecisionTag, so the Resolver can enumerate
// candidate CIDRs with one ListByTag scan instead of walking every key
// in the store (spec §4.5, policy decision: ranged decisions are
// stored uniformly under their CIDR key rather than expanded per
// address — see DESIGN.md).
const RangeTag = "remediation_range"

// Index is the Decision Index: a cache.Store keyed by scope+value,
// holding a priority-sorted sequence of verdict.Tuple per key.
type Index struct {
	store    cache.Store
	fallback verdict.Kind
}

// New wraps a Cache Store as a Decision Index. fallback is the kind an
// unrecognised LAPI decision type coerces to (spec §3: configurable,
// default captcha).
func New(store cache.Store, fallback verdict.Kind) *Index {
	return &Index{store: store, fallback: fallback}
}

// Fallback reports the kind this Index coerces unrecognised decision
// types to, so collaborators built on top (the Resolver) apply the
// same fallback without needing their own copy of the setting.
func (x *Index) Fallback() verdict.Kind { return x.fallback }

// Key returns the plain (pre-base64) Cache Store key for a scope+value
// pair. The Decision Index always speaks these plain keys; encoding is
// the Cache Store's own concern (spec design note 9).
func Key(scope Scope, value string) string {
	return fmt.Sprintf("%s:%s", scope, value)
}

// RangeContains reports whether ip falls inside the CIDR cidr. Malformed
// input is treated as non-containment rather than an error: a stream
// delivering a bad CIDR must not take the whole resolve path down.
func RangeContains(cidr, ip string) bool {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return network.Contains(parsed)
}

func (x *Index) load(ctx context.Context, key string) ([]verdict.Tuple, error) {
	raw, ok, err := x.store.Get(ctx, cache.EncodeKey(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var tuples []verdict.Tuple
	if err := json.Unmarshal(raw, &tuples); err != nil {
		return nil, bouncererr.NewStorageError("decode decision sequence", err)
	}
	return tuples, nil
}

func tagsFor(scope Scope) []string {
	if scope == ScopeRange {
		return []string{DecisionTag, RangeTag}
	}
	return []string{DecisionTag}
}

func ttlFor(d Decision) (time.Duration, error) {
	seconds, err := verdict.ParseDuration(d.Duration)
	if err != nil {
		return 0, &bouncererr.ParseError{Input: d.Duration}
	}
	return time.Duration(seconds) * time.Second, nil
}

// mergeTuple merges incoming into existing by decision id and enforces
// I2 (spec §3: "if an entry contains any non-bypass tuple, no bypass
// tuple is present"): whenever the merged sequence ends up with a
// non-bypass tuple, every bypass tuple is dropped rather than kept
// alongside it.
func mergeTuple(existing []verdict.Tuple, incoming verdict.Tuple) []verdict.Tuple {
	out := make([]verdict.Tuple, 0, len(existing)+1)
	replaced := false
	for _, t := range existing {
		if t.DecisionID == incoming.DecisionID {
			out = append(out, incoming)
			replaced = true
			continue
		}
		out = append(out, t)
	}
	if !replaced {
		out = append(out, incoming)
	}

	hasNonBypass := false
	for _, t := range out {
		if t.Kind != verdict.Bypass {
			hasNonBypass = true
			break
		}
	}
	if hasNonBypass {
		filtered := out[:0:0]
		for _, t := range out {
			if t.Kind != verdict.Bypass {
				filtered = append(filtered, t)
			}
		}
		out = filtered
	}

	return verdict.SortByPriority(out)
}

func removeTuple(existing []verdict.Tuple, id int64) []verdict.Tuple {
	out := existing[:0:0]
	for _, t := range existing {
		if t.DecisionID != id {
			out = append(out, t)
		}
	}
	return out
}

// UpsertDecision merges a single LAPI decision into its key's sequence
// and commits immediately (spec C3 upsertDecision).
func (x *Index) UpsertDecision(ctx context.Context, d Decision) error {
	ttl, err := ttlFor(d)
	if err != nil {
		return err
	}
	key := Key(d.Scope, d.Value)
	existing, err := x.load(ctx, key)
	if err != nil {
		return err
	}
	expiresAt := time.Now().Add(ttl)
	tuple := verdict.Tuple{
		Kind:       verdict.Coerce(d.Type, x.fallback),
		ExpiryUnix: expiresAt.Unix(),
		DecisionID: d.ID,
	}
	merged := mergeTuple(existing, tuple)
	raw, err := json.Marshal(merged)
	if err != nil {
		return bouncererr.NewStorageError("encode decision sequence", err)
	}
	if err := x.store.Put(cache.EncodeKey(key), raw, time.Unix(verdict.MaxExpiry(merged), 0), tagsFor(d.Scope)...); err != nil {
		return err
	}
	_, err = x.store.Commit(ctx)
	return err
}

// RemoveDecision drops a single decision id from its key's sequence,
// deleting the key outright once the sequence is empty (spec C3
// removeDecision).
func (x *Index) RemoveDecision(ctx context.Context, d Decision) error {
	key := Key(d.Scope, d.Value)
	existing, err := x.load(ctx, key)
	if err != nil {
		return err
	}
	remaining := removeTuple(existing, d.ID)
	encodedKey := cache.EncodeKey(key)
	if len(remaining) == 0 {
		return x.store.Delete(ctx, encodedKey)
	}
	raw, err := json.Marshal(remaining)
	if err != nil {
		return bouncererr.NewStorageError("encode decision sequence", err)
	}
	expiresAt := time.Unix(verdict.MaxExpiry(remaining), 0)
	if err := x.store.Put(encodedKey, raw, expiresAt, tagsFor(d.Scope)...); err != nil {
		return err
	}
	_, err = x.store.Commit(ctx)
	return err
}

// BulkApply merges many upserts and removals against their current
// sequences and commits once at the end, for the Stream Synchroniser's
// warm-up and incremental refresh (spec C6 via C3 bulkApply).
func (x *Index) BulkApply(ctx context.Context, upserts, removals []Decision) (bool, error) {
	touched := map[string][]verdict.Tuple{}
	order := []string{}
	keyTags := map[string][]string{}

	get := func(d Decision) ([]verdict.Tuple, string, error) {
		key := Key(d.Scope, d.Value)
		if seq, ok := touched[key]; ok {
			return seq, key, nil
		}
		seq, err := x.load(ctx, key)
		if err != nil {
			return nil, key, err
		}
		order = append(order, key)
		keyTags[key] = tagsFor(d.Scope)
		return seq, key, nil
	}

	for _, d := range upserts {
		seq, key, err := get(d)
		if err != nil {
			return false, err
		}
		ttl, err := ttlFor(d)
		if err != nil {
			return false, err
		}
		tuple := verdict.Tuple{
			Kind:       verdict.Coerce(d.Type, x.fallback),
			ExpiryUnix: time.Now().Add(ttl).Unix(),
			DecisionID: d.ID,
		}
		touched[key] = mergeTuple(seq, tuple)
	}
	for _, d := range removals {
		seq, key, err := get(d)
		if err != nil {
			return false, err
		}
		touched[key] = removeTuple(seq, d.ID)
	}

	for _, key := range order {
		seq := touched[key]
		encodedKey := cache.EncodeKey(key)
		if len(seq) == 0 {
			if err := x.store.Delete(ctx, encodedKey); err != nil {
				return false, err
			}
			continue
		}
		sort.SliceStable(seq, func(i, j int) bool {
			return verdict.Less(seq[i].Kind, seq[j].Kind, seq[i].ExpiryUnix, seq[j].ExpiryUnix, seq[i].DecisionID, seq[j].DecisionID)
		})
		raw, err := json.Marshal(seq)
		if err != nil {
			return false, bouncererr.NewStorageError("encode decision sequence", err)
		}
		expiresAt := time.Unix(verdict.MaxExpiry(seq), 0)
		if err := x.store.Put(encodedKey, raw, expiresAt, keyTags[key]...); err != nil {
			return false, err
		}
	}
	return x.store.Commit(ctx)
}
