// Package registry maintains the read-only, atomically-published snapshot
// of active endpoint rules the matcher consults on every event.
package registry

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/ethhook/ethhook/internal/model"
)

// Reader is the pluggable registry read interface. Implementations (a
// relational store, an in-memory fake for tests, a file-backed config) are
// external collaborators; the core depends only on this signature plus a
// changed-since token for efficient polling.
type Reader interface {
	// ListActiveRules returns the full set of active endpoint rules, and a
	// token identifying this read for the next ChangedSince call.
	ListActiveRules(ctx context.Context) (rules []model.EndpointRule, token string, err error)
	// ChangedSince reports whether the backing store has changed since
	// token. A reader that cannot cheaply answer this should always
	// return true (forcing a full poll).
	ChangedSince(ctx context.Context, token string) (bool, error)
}

// Snapshot is an immutable index over active endpoint rules, organized for
// fast matcher queries. Once published it is never mutated; the matcher may
// hold a reference to it for as long as needed.
type Snapshot struct {
	// chainToWildcard maps chain id -> endpoint ids with no contract filter.
	chainToWildcard map[int64][]string
	// chainToContract maps chain id -> contract address -> endpoint ids.
	chainToContract map[int64]map[string][]string
	// byEndpoint is the direct-access rule record keyed by endpoint id.
	byEndpoint map[string]*model.EndpointRule

	builtAt time.Time
}

// Rule returns the full rule record for an endpoint id, or nil if unknown.
func (s *Snapshot) Rule(endpointID string) *model.EndpointRule {
	return s.byEndpoint[endpointID]
}

// CandidateEndpoints returns the union of wildcard and contract-specific
// endpoint ids for a chain/contract pair, matching spec.md §4.3 step 2. The
// result is sorted endpoint-id-ascending so matcher job emission order is
// deterministic per spec.md §4.3 "Tie-breaks & ordering", even though each
// source bucket is already individually sorted.
func (s *Snapshot) CandidateEndpoints(chainID int64, contract string) []string {
	wild := s.chainToWildcard[chainID]
	byContract := s.chainToContract[chainID][contract]
	if len(wild) == 0 {
		return byContract
	}
	if len(byContract) == 0 {
		return wild
	}

	seen := make(map[string]struct{}, len(wild)+len(byContract))
	out := make([]string, 0, len(wild)+len(byContract))
	for _, id := range wild {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range byContract {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// BuildSnapshot indexes a flat rule list into a Snapshot.
func BuildSnapshot(rules []model.EndpointRule) *Snapshot {
	s := &Snapshot{
		chainToWildcard: make(map[int64][]string),
		chainToContract: make(map[int64]map[string][]string),
		byEndpoint:      make(map[string]*model.EndpointRule, len(rules)),
		builtAt:         time.Now(),
	}

	for i := range rules {
		r := rules[i]
		if !r.Active {
			continue
		}
		s.byEndpoint[r.EndpointID] = &rules[i]

		for chainID := range r.Chains {
			if len(r.Contracts) == 0 {
				s.chainToWildcard[chainID] = append(s.chainToWildcard[chainID], r.EndpointID)
				continue
			}
			if s.chainToContract[chainID] == nil {
				s.chainToContract[chainID] = make(map[string][]string)
			}
			for addr := range r.Contracts {
				s.chainToContract[chainID][addr] = append(s.chainToContract[chainID][addr], r.EndpointID)
			}
		}
	}

	// Endpoint-id-ascending order within each bucket makes matcher emission
	// order deterministic, per spec.md §4.3 "Tie-breaks & ordering".
	for k := range s.chainToWildcard {
		sort.Strings(s.chainToWildcard[k])
	}
	for _, byContract := range s.chainToContract {
		for addr := range byContract {
			sort.Strings(byContract[addr])
		}
	}

	return s
}

// View publishes and refreshes Snapshots behind an atomic pointer. A
// background goroutine polls the Reader every refresh interval, or sooner
// on a registry-changed nudge delivered over NATS.
type View struct {
	reader Reader
	logger zerolog.Logger

	snap atomic.Pointer[Snapshot]
	tok  atomic.Pointer[string]

	refreshEvery time.Duration
	pollTimeout  time.Duration

	nc        *nats.Conn
	nudgeCh   chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Config controls View construction.
type Config struct {
	Reader         Reader
	RefreshEvery   time.Duration
	PollTimeout    time.Duration
	NatsURL        string // optional; empty disables the nudge subscriber
	NudgeSubject   string
	Logger         zerolog.Logger
}

const defaultNudgeSubject = "ethhook.registry.changed"

// NewView constructs and performs the first synchronous load so that
// Snapshot() never returns nil after NewView succeeds.
func NewView(ctx context.Context, cfg Config) (*View, error) {
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.NudgeSubject == "" {
		cfg.NudgeSubject = defaultNudgeSubject
	}

	v := &View{
		reader:       cfg.Reader,
		logger:       cfg.Logger.With().Str("component", "registry").Logger(),
		refreshEvery: cfg.RefreshEvery,
		pollTimeout:  cfg.PollTimeout,
		nudgeCh:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	if err := v.refresh(ctx); err != nil {
		return nil, err
	}

	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			v.logger.Warn().Err(err).Msg("failed to connect to NATS, registry falls back to pure polling")
		} else {
			v.nc = nc
			_, err := nc.Subscribe(cfg.NudgeSubject, func(*nats.Msg) {
				select {
				case v.nudgeCh <- struct{}{}:
				default:
				}
			})
			if err != nil {
				v.logger.Warn().Err(err).Msg("failed to subscribe to registry-changed subject")
			}
		}
	}

	go v.loop()
	return v, nil
}

// Snapshot returns the currently published snapshot. Safe for concurrent
// use from any number of matcher iterations.
func (v *View) Snapshot() *Snapshot {
	return v.snap.Load()
}

func (v *View) loop() {
	defer close(v.doneCh)
	ticker := time.NewTicker(v.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v.refreshLogged()
		case <-v.nudgeCh:
			v.refreshLogged()
		case <-v.stopCh:
			return
		}
	}
}

func (v *View) refreshLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), v.pollTimeout)
	defer cancel()
	if err := v.refresh(ctx); err != nil {
		// A failed refresh keeps the previous snapshot in use; the pipeline
		// must not stall matching because the registry reader is down.
		v.logger.Warn().Err(err).Msg("registry refresh failed, keeping previous snapshot")
	}
}

func (v *View) refresh(ctx context.Context) error {
	// On every poll after the first, ask the reader whether anything has
	// changed since the last token before paying for a full list: this is
	// the efficiency hint spec.md §6 describes for a registry reader that
	// can answer it cheaply. The first call has no prior token and always
	// does a full list, and a reader that errors on the check also falls
	// back to a full list rather than risk serving a stale snapshot.
	if tok := v.tok.Load(); tok != nil {
		changed, err := v.reader.ChangedSince(ctx, *tok)
		if err != nil {
			v.logger.Warn().Err(err).Msg("ChangedSince check failed, falling back to full list")
		} else if !changed {
			v.logger.Debug().Msg("registry unchanged since last poll")
			return nil
		}
	}

	rules, token, err := v.reader.ListActiveRules(ctx)
	if err != nil {
		return err
	}
	snap := BuildSnapshot(rules)
	v.snap.Store(snap)
	v.tok.Store(&token)
	v.logger.Debug().Int("rules", len(rules)).Msg("registry snapshot published")
	return nil
}

// Stop halts the refresh loop and closes the NATS connection, if any.
func (v *View) Stop() {
	close(v.stopCh)
	<-v.doneCh
	if v.nc != nil {
		v.nc.Close()
	}
}
