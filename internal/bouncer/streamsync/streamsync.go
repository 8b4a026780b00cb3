// Package streamsync implements the Stream Synchroniser (spec C6): a
// small state machine driving periodic bulk refreshes of the Decision
// Index from LAPI's stream endpoint. Grounded on the teacher's
// robfig/cron-scheduled background task pattern (cmd/ wiring a
// recurring job against a service) generalised into an explicit,
// testable state machine rather than a bare ticker callback.
package streamsync

import (
	"context"
	"sync"

	"github.com/charonguard/bouncer/internal/bouncer/bouncererr"
	"github.com/charonguard/bouncer/internal/bouncer/decision"
	"github.com/charonguard/bouncer/internal/bouncer/lapi"
	"github.com/charonguard/bouncer/internal/metrics"
)

// State is the Stream Synchroniser's lifecycle state.
type State string

const (
	Cold      State = "cold"
	WarmingUp State = "warming_up"
	Warm      State = "warm"
	Updating  State = "updating"
)

// RefreshResult reports how many decisions a refresh applied.
type RefreshResult struct {
	Deleted int
	New     int
}

// Syncer drives warmUp/refresh against a Decision Index, rejecting a
// concurrent caller with BusyError so C3 never sees interleaved writes.
type Syncer struct {
	client lapi.Client
	index  *decision.Index

	mu      sync.Mutex
	state   State
	warmed  bool
	running bool
}

// New builds a Cold Syncer.
func New(client lapi.Client, index *decision.Index) *Syncer {
	return &Syncer{client: client, index: index, state: Cold}
}

// State reports the current lifecycle state.
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reset forces the Syncer back to Cold, as if freshly booted or after
// an explicit clear (spec §4.6: "Cold is entered at boot or after clear").
func (s *Syncer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warmed = false
	s.state = Cold
}

// beginExclusive claims the synchronisation slot or fails fast with
// BusyError (spec §4.6: "must never interleave writes").
func (s *Syncer) beginExclusive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return &bouncererr.BusyError{}
	}
	s.running = true
	return nil
}

func (s *Syncer) endExclusive(newState State) {
	s.mu.Lock()
	s.running = false
	s.state = newState
	s.mu.Unlock()
}

// WarmUp performs the startup stream pull, clearing any stale state
// first if a previous warm-up already completed (spec §4.6).
func (s *Syncer) WarmUp(ctx context.Context, clear func(context.Context) error) (int, error) {
	if err := s.beginExclusive(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.state = WarmingUp
	alreadyWarm := s.warmed
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if running {
			s.endExclusive(Cold)
		}
	}()

	if alreadyWarm {
		if clear != nil {
			if err := clear(ctx); err != nil {
				return 0, bouncererr.NewWarmUpError("clear before warm-up", err)
			}
		}
	}

	resp, err := s.client.StreamDecisions(ctx, true)
	if err != nil {
		metrics.IncBouncerStreamSync("error")
		return 0, bouncererr.NewWarmUpError("stream pull", err)
	}

	adds := lapi.ToDomainDecisions(resp.New)
	ok, err := s.index.BulkApply(ctx, adds, nil)
	if err != nil {
		metrics.IncBouncerStreamSync("error")
		return 0, bouncererr.NewWarmUpError("apply new decisions", err)
	}
	if !ok {
		metrics.IncBouncerStreamSync("error")
		return 0, bouncererr.NewWarmUpError("apply new decisions", nil)
	}

	s.mu.Lock()
	s.warmed = true
	s.running = false
	s.state = Warm
	s.mu.Unlock()

	metrics.IncBouncerStreamSync("warm_up")
	return len(adds), nil
}

// Refresh performs an incremental stream pull. If the Syncer has never
// warmed up, it delegates to WarmUp instead (spec §4.6).
func (s *Syncer) Refresh(ctx context.Context) (RefreshResult, error) {
	s.mu.Lock()
	warmed := s.warmed
	s.mu.Unlock()

	if !warmed {
		n, err := s.WarmUp(ctx, nil)
		return RefreshResult{Deleted: 0, New: n}, err
	}

	if err := s.beginExclusive(); err != nil {
		return RefreshResult{}, err
	}
	s.mu.Lock()
	s.state = Updating
	s.mu.Unlock()
	defer s.endExclusive(Warm)

	resp, err := s.client.StreamDecisions(ctx, false)
	if err != nil {
		metrics.IncBouncerStreamSync("error")
		return RefreshResult{}, err
	}

	deletes := lapi.ToDomainDecisions(resp.Deleted)
	adds := lapi.ToDomainDecisions(resp.New)
	if _, err := s.index.BulkApply(ctx, nil, deletes); err != nil {
		metrics.IncBouncerStreamSync("error")
		return RefreshResult{}, err
	}
	if _, err := s.index.BulkApply(ctx, adds, nil); err != nil {
		metrics.IncBouncerStreamSync("error")
		return RefreshResult{}, err
	}

	metrics.IncBouncerStreamSync("refresh")
	return RefreshResult{Deleted: len(deletes), New: len(adds)}, nil
}
