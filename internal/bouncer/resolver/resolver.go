// Package resolver implements the Resolver (spec C5): given an IP,
// looks up applicable entries across the ip/range/country scopes,
// computes the highest-priority verdict, and caps it per configured
// bouncing level. Grounded on the teacher's Cerberus facade
// (internal/cerberus/cerberus.go), which plays the same "single
// decision point consulted by the middleware" role for WAF/ACL checks.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/charonguard/bouncer/internal/bouncer/bouncererr"
	"github.com/charonguard/bouncer/internal/bouncer/cache"
	"github.com/charonguard/bouncer/internal/bouncer/decision"
	"github.com/charonguard/bouncer/internal/bouncer/lapi"
	"github.com/charonguard/bouncer/internal/bouncer/verdict"
	"github.com/charonguard/bouncer/internal/logger"
)

// Mode selects whether misses fall through to a live LAPI query
// (LIVE) or are treated as bypass (STREAM).
type Mode string

const (
	ModeLive   Mode = "live"
	ModeStream Mode = "stream"
)

// BouncingLevel is the configured cap on how severe a verdict the
// Resolver is allowed to report.
type BouncingLevel string

const (
	LevelDisabled BouncingLevel = "disabled"
	LevelFlex     BouncingLevel = "flex"
	LevelNormal   BouncingLevel = "normal"
)

func (l BouncingLevel) ceiling() verdict.Kind {
	switch l {
	case LevelDisabled:
		return verdict.Bypass
	case LevelFlex:
		return verdict.Captcha
	default:
		return verdict.Ban
	}
}

// Geo resolves an IP to an ISO country code. A nil country (empty
// string, ok=false) means geolocation could not place the IP and the
// country scope is skipped for that lookup (spec §6: tolerate null country).
type Geo interface {
	CountryForIP(ctx context.Context, ip string) (iso string, ok bool)
}

// Config carries the Resolver's tunables.
type Config struct {
	Mode                 Mode
	BouncingLevel        BouncingLevel
	GeolocationEnabled   bool
	CleanIPCacheDuration time.Duration
}

// Resolver answers getRemediationForIp against a Decision Index backed
// cache, a Geo collaborator, and (in LIVE mode) an LAPI Client.
type Resolver struct {
	store cache.Store
	index *decision.Index
	lapi  lapi.Client
	geo   Geo
	cfg   Config
}

// New builds a Resolver. geo may be nil when GeolocationEnabled is false.
func New(store cache.Store, index *decision.Index, client lapi.Client, geo Geo, cfg Config) *Resolver {
	return &Resolver{store: store, index: index, lapi: client, geo: geo, cfg: cfg}
}

// normalizeIP validates ip_string, tolerating and stripping an IPv6
// zone id (spec §4.5 step 1).
func normalizeIP(raw string) (string, error) {
	s := raw
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if net.ParseIP(s) == nil {
		return "", bouncererr.NewInputError("not a valid IP address: %q", raw)
	}
	return s, nil
}

// GetRemediationForIp implements C5's single operation.
func (r *Resolver) GetRemediationForIp(ctx context.Context, ipString string) (verdict.Kind, error) {
	if r.cfg.BouncingLevel == LevelDisabled {
		return verdict.Bypass, nil
	}

	ip, err := normalizeIP(ipString)
	if err != nil {
		return "", err
	}

	var hits []verdict.Tuple
	sawAnyLookup := false

	if tuples, hit, err := r.lookupIP(ctx, ip); err != nil {
		return "", err
	} else if hit {
		sawAnyLookup = true
		hits = append(hits, tuples...)
	}

	if tuples, hit, err := r.lookupRange(ctx, ip); err != nil {
		return "", err
	} else if hit {
		sawAnyLookup = true
		hits = append(hits, tuples...)
	}

	if r.cfg.GeolocationEnabled && r.geo != nil {
		if tuples, hit, err := r.lookupCountry(ctx, ip); err != nil {
			return "", err
		} else if hit {
			sawAnyLookup = true
			hits = append(hits, tuples...)
		}
	}

	nonBypass := filterNonBypass(hits)
	if len(nonBypass) > 0 {
		return capApply(r.cfg.BouncingLevel.ceiling(), verdict.Highest(verdict.SortByPriority(nonBypass))), nil
	}

	if sawAnyLookup {
		return capApply(r.cfg.BouncingLevel.ceiling(), verdict.Bypass), nil
	}

	if r.cfg.Mode == ModeStream {
		return capApply(r.cfg.BouncingLevel.ceiling(), verdict.Bypass), nil
	}
	return r.resolveLiveMiss(ctx, ip)
}

func filterNonBypass(tuples []verdict.Tuple) []verdict.Tuple {
	out := make([]verdict.Tuple, 0, len(tuples))
	for _, t := range tuples {
		if t.Kind != verdict.Bypass {
			out = append(out, t)
		}
	}
	return out
}

// capApply applies ceiling as the cap on v (spec §4.5 step 4).
func capApply(ceiling, v verdict.Kind) verdict.Kind { return verdict.Cap(v, ceiling) }

func (r *Resolver) lookupIP(ctx context.Context, ip string) ([]verdict.Tuple, bool, error) {
	return r.loadTuples(ctx, decision.Key(decision.ScopeIP, ip))
}

// lookupRange scans every range-scoped key via the Cache Store's tag
// index and keeps those whose CIDR contains ip (spec §4.5 step 2,
// "range" bullet — this implementation always stores ranges under
// their CIDR key, so every lookup takes the scan path).
func (r *Resolver) lookupRange(ctx context.Context, ip string) ([]verdict.Tuple, bool, error) {
	lister, ok := r.store.(cache.TagLister)
	if !ok {
		return nil, false, nil
	}
	keys, err := lister.ListByTag(ctx, decision.RangeTag)
	if err != nil {
		return nil, false, err
	}
	var hits []verdict.Tuple
	hit := false
	for _, encoded := range keys {
		plain, err := cache.DecodeKey(encoded)
		if err != nil {
			continue
		}
		cidr := strings.TrimPrefix(plain, string(decision.ScopeRange)+":")
		if !decision.RangeContains(cidr, ip) {
			continue
		}
		raw, ok, err := r.store.Get(ctx, encoded)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		tuples, err := decodeTuples(raw)
		if err != nil {
			return nil, false, err
		}
		hit = true
		hits = append(hits, tuples...)
	}
	return hits, hit, nil
}

func (r *Resolver) lookupCountry(ctx context.Context, ip string) ([]verdict.Tuple, bool, error) {
	iso, ok := r.geo.CountryForIP(ctx, ip)
	if !ok {
		return nil, false, nil
	}
	return r.loadTuples(ctx, decision.Key(decision.ScopeCountry, iso))
}

func (r *Resolver) loadTuples(ctx context.Context, key string) ([]verdict.Tuple, bool, error) {
	raw, ok, err := r.store.Get(ctx, cache.EncodeKey(key))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	tuples, err := decodeTuples(raw)
	if err != nil {
		return nil, false, err
	}
	return tuples, true, nil
}

// resolveLiveMiss queries LAPI for the IP and, when geolocation is
// enabled, for the IP's country too (spec §4.4 getFilteredDecisions,
// spec §6 "GET /v1/decisions?scope=Country&value=<cc>"), upserts
// whatever comes back (or a bypass sentinel if LAPI returned nothing
// for the IP) via the Decision Index, then returns the resulting
// verdict (spec §4.5 step 3, LIVE branch).
func (r *Resolver) resolveLiveMiss(ctx context.Context, ip string) (verdict.Kind, error) {
	decisions, err := r.lapi.GetDecisionsForIP(ctx, ip)
	if err != nil {
		if !isLAPIUnreachable(err) {
			return "", err
		}
		logLAPITimeout(ip, err)
		decisions = nil
	}

	var countryDecisions []lapi.Decision
	if r.cfg.GeolocationEnabled && r.geo != nil {
		if iso, ok := r.geo.CountryForIP(ctx, ip); ok {
			countryDecisions, err = r.lapi.GetDecisionsForScope(ctx, string(decision.ScopeCountry), iso)
			if err != nil {
				if !isLAPIUnreachable(err) {
					return "", err
				}
				logLAPITimeout(ip, err)
				countryDecisions = nil
			}
		}
	}

	if len(decisions) == 0 && len(countryDecisions) == 0 {
		sentinel := decision.Decision{
			ID:       0,
			Type:     string(verdict.Bypass),
			Scope:    decision.ScopeIP,
			Value:    ip,
			Duration: durationString(r.cfg.CleanIPCacheDuration),
		}
		if err := r.index.UpsertDecision(ctx, sentinel); err != nil {
			return "", err
		}
		return capApply(r.cfg.BouncingLevel.ceiling(), verdict.Bypass), nil
	}

	var highest verdict.Kind = verdict.Bypass
	all := append(lapi.ToDomainDecisions(decisions), lapi.ToDomainDecisions(countryDecisions)...)
	for _, d := range all {
		if err := r.index.UpsertDecision(ctx, d); err != nil {
			return "", err
		}
		kind := verdict.Coerce(d.Type, r.index.Fallback())
		if verdict.Priority(kind) > verdict.Priority(highest) {
			highest = kind
		}
	}
	return capApply(r.cfg.BouncingLevel.ceiling(), highest), nil
}

// isLAPIUnreachable reports whether err is a LAPI-side failure the
// LIVE-miss path must degrade to "as if LAPI returned empty" rather
// than propagate (spec: a timeout or storage-layer failure talking to
// LAPI must not take the whole resolve path down).
func isLAPIUnreachable(err error) bool {
	var timeoutErr *bouncererr.TimeoutError
	var storageErr *bouncererr.StorageError
	return errors.As(err, &timeoutErr) || errors.As(err, &storageErr)
}

// logLAPITimeout records the LAPI_TIMEOUT event the spec requires
// whenever a LIVE-miss lookup degrades to bypass instead of erroring.
func logLAPITimeout(ip string, err error) {
	logger.Log().WithFields(map[string]interface{}{
		"event": "LAPI_TIMEOUT",
		"ip":    ip,
		"error": err.Error(),
	}).Warn("lapi unreachable, degrading to bypass")
}

func durationString(d time.Duration) string {
	if d <= 0 {
		d = 10 * 365 * 24 * time.Hour
	}
	return d.String()
}

func decodeTuples(raw []byte) ([]verdict.Tuple, error) {
	var tuples []verdict.Tuple
	if err := json.Unmarshal(raw, &tuples); err != nil {
		return nil, bouncererr.NewStorageError("decode decision sequence", err)
	}
	return tuples, nil
}
