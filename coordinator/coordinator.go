// Package coordinator drives the rounds of a federated session: it broadcasts
// the global model, collects one update per node within a bounded window,
// aggregates and commits.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"

	"github.com/fedgen/fedgen/aggregator"
	"github.com/fedgen/fedgen/common/log"
	"github.com/fedgen/fedgen/metrics"
	"github.com/fedgen/fedgen/model"
	fgerrors "github.com/fedgen/fedgen/model/errors"
	"github.com/fedgen/fedgen/store"
	"github.com/fedgen/fedgen/store/memdb"
	"github.com/fedgen/fedgen/transport"
)

// State is the phase the coordinator is in.
type State int

const (
	Init State = iota
	Broadcasting
	Collecting
	Aggregating
	Done
	Aborted
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Broadcasting:
		return "BROADCASTING"
	case Collecting:
		return "COLLECTING"
	case Aggregating:
		return "AGGREGATING"
	case Done:
		return "DONE"
	case Aborted:
		return "ABORTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("coordinator already started")

// ErrStopped is returned by Run when Stop was called before the last round.
var ErrStopped = errors.New("session stopped")

// RoundReport describes a committed round.
type RoundReport struct {
	Round       uint64        `json:"round"`
	Attempts    int           `json:"attempts"`
	Nodes       []string      `json:"nodes"`
	Samples     int           `json:"samples"`
	LargestNode int           `json:"largest_node"`
	Partial     bool          `json:"partial"`
	Loss        float64       `json:"loss"`
	Accuracy    float64       `json:"accuracy"`
	Duration    time.Duration `json:"duration"`
}

// Summary is the outcome of a session.
type Summary struct {
	Session string             `json:"session"`
	State   string             `json:"state"`
	Rounds  uint64             `json:"rounds"`
	Model   *model.GlobalModel `json:"model"`
	// TotalSamples backs the final model, SamplesSeen sums all rounds.
	TotalSamples int `json:"total_samples"`
	SamplesSeen  int `json:"samples_seen"`
	// ImprovementRatio compares TotalSamples to the largest single node.
	ImprovementRatio float64       `json:"improvement_ratio"`
	Reports          []RoundReport `json:"reports"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
}

// Coordinator runs one session over a transport.Hub.
type Coordinator struct {
	sync.RWMutex
	conf    *Config
	hub     transport.Hub
	agg     aggregator.Aggregator
	store   store.Store
	clock   clock.Clock
	l       log.Logger
	allowed map[string]bool

	started   bool
	state     State
	round     uint64
	attempt   int
	global    *model.GlobalModel
	pending   *roundCache
	reports   []RoundReport
	startedAt time.Time
	err       error

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New returns a coordinator for conf. A nil aggregator uses FedAvg and a nil
// store keeps the history in memory.
func New(conf *Config, hub transport.Hub, agg aggregator.Aggregator, st store.Store, l log.Logger) (*Coordinator, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if hub == nil {
		return nil, fmt.Errorf("%w: coordinator without transport", fgerrors.ErrInvalidInput)
	}
	if agg == nil {
		agg = aggregator.NewFedAvg()
	}
	if st == nil {
		st = memdb.NewStore(0)
	}
	if l == nil {
		l = log.DefaultLogger()
	}
	var allowed map[string]bool
	if len(conf.NodeIDs) > 0 {
		allowed = make(map[string]bool, len(conf.NodeIDs))
		for _, id := range conf.NodeIDs {
			allowed[id] = true
		}
	}
	return &Coordinator{
		conf:    conf,
		hub:     hub,
		agg:     agg,
		store:   st,
		clock:   conf.Clock,
		l:       l.Named("coordinator").With("session", conf.Session),
		allowed: allowed,
		global:  model.NewGlobalModel(conf.Features, conf.InitialWeight),
		stopCh:  make(chan struct{}),
	}, nil
}

// Run executes the session until the last round is committed, a round fails,
// ctx is cancelled or Stop is called. A round in progress when ctx is
// cancelled is discarded. Stop waits for the round in progress to commit.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	c.Lock()
	if c.started {
		c.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.started = true
	c.startedAt = c.clock.Now()
	initial := c.global
	c.Unlock()

	c.l.Infow("", "coordinator", "start", "nodes", c.conf.NodeCount, "max_rounds", c.conf.MaxRounds,
		"timeout", c.conf.CollectionTimeout, "policy", c.conf.TimeoutPolicy)
	if err := c.store.Put(ctx, initial); err != nil {
		return c.abort(ctx, fmt.Errorf("storing initial model: %w", err))
	}

	for {
		committed := c.Model().Round
		if committed >= uint64(c.conf.MaxRounds) {
			break
		}
		select {
		case <-ctx.Done():
			return c.abort(ctx, ctx.Err())
		case <-c.stopCh:
			return c.abort(ctx, ErrStopped)
		default:
		}
		if err := c.runRound(ctx, committed+1); err != nil {
			return c.abort(ctx, err)
		}
	}
	return c.finish(ctx), nil
}

// Stop ends the session once the round in progress is committed.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Coordinator) runRound(ctx context.Context, round uint64) error {
	var err error
	for attempt := 0; attempt <= c.conf.RoundRetries; attempt++ {
		if attempt > 0 {
			metrics.RoundRetries.Inc()
			c.l.Warnw("", "coordinator", "retry_round", "round", round, "attempt", attempt, "err", err)
		}
		var g *model.GlobalModel
		var report RoundReport
		g, report, err = c.attemptRound(ctx, round, attempt)
		if err == nil {
			return c.commit(ctx, g, report)
		}
		if !retryable(ctx, err) {
			return err
		}
	}
	return err
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
		return false
	}
	return errors.Is(err, fgerrors.ErrPartialRoundTimeout) ||
		errors.Is(err, fgerrors.ErrNoUpdatesAvailable) ||
		errors.Is(err, fgerrors.ErrDimensionMismatch) ||
		errors.Is(err, fgerrors.ErrInvalidInput)
}

func (c *Coordinator) attemptRound(ctx context.Context, round uint64, attempt int) (*model.GlobalModel, RoundReport, error) {
	start := c.clock.Now()
	cache := newRoundCache(round, attempt)

	c.Lock()
	c.round = round
	c.attempt = attempt
	c.pending = cache
	current := c.global
	c.Unlock()
	c.setState(Broadcasting)

	b := &model.Broadcast{
		Session: c.conf.Session,
		Round:   round,
		Attempt: attempt,
		Weights: current.Weights.Copy(),
		Params:  c.conf.Params(),
	}
	c.l.Debugw("", "coordinator", "broadcast", "round", round, "attempt", attempt)
	if err := c.hub.Broadcast(ctx, b); err != nil {
		return nil, RoundReport{}, fmt.Errorf("broadcasting round %d: %w", round, err)
	}

	c.setState(Collecting)
	partial, err := c.collect(ctx, cache)
	if err != nil {
		return nil, RoundReport{}, err
	}

	c.setState(Aggregating)
	c.RLock()
	updates := cache.Updates()
	c.RUnlock()
	for _, u := range updates {
		if u.Weights.Dim() != current.Weights.Dim() {
			return nil, RoundReport{}, fmt.Errorf("%w: node %s sent %d coefficients, global model has %d",
				fgerrors.ErrDimensionMismatch, u.NodeID, u.Weights.Dim(), current.Weights.Dim())
		}
	}
	g, err := c.agg.Aggregate(round, updates)
	if err != nil {
		return nil, RoundReport{}, fmt.Errorf("aggregating round %d: %w", round, err)
	}

	total, largest := cache.samples()
	loss, accuracy := cache.evaluation()
	return g, RoundReport{
		Round:       round,
		Attempts:    attempt + 1,
		Nodes:       cache.Nodes(),
		Samples:     total,
		LargestNode: largest,
		Partial:     partial,
		Loss:        loss,
		Accuracy:    accuracy,
		Duration:    c.clock.Since(start),
	}, nil
}

// collect waits until every node reported or the collection window closes.
func (c *Coordinator) collect(ctx context.Context, cache *roundCache) (bool, error) {
	deadline := c.clock.After(c.conf.CollectionTimeout)
	for {
		c.RLock()
		received := cache.Len()
		c.RUnlock()
		if received >= c.conf.NodeCount {
			return false, nil
		}

		select {
		case u := <-c.hub.Updates():
			c.accept(cache, u)
		case <-deadline:
			metrics.PartialRounds.Inc()
			timeout := &fgerrors.RoundTimeoutError{
				Round:    cache.round,
				Attempt:  cache.attempt,
				Received: received,
				Expected: c.conf.NodeCount,
			}
			if c.conf.TimeoutPolicy != ProceedOnTimeout {
				return true, timeout
			}
			if received == 0 {
				return true, fmt.Errorf("%w: %s", fgerrors.ErrNoUpdatesAvailable, timeout)
			}
			c.l.Warnw("", "coordinator", "partial_round", "round", cache.round,
				"received", received, "expected", c.conf.NodeCount)
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (c *Coordinator) accept(cache *roundCache, u *model.Update) {
	if u == nil {
		return
	}
	switch {
	case u.Session != c.conf.Session:
		c.discard("session", u)
		return
	case !cache.matches(u):
		c.discard("stale", u)
		return
	case c.allowed != nil && !c.allowed[u.NodeID]:
		c.discard("unknown", u)
		return
	}
	if err := u.Validate(); err != nil {
		c.l.Warnw("", "coordinator", "invalid_update", "node", u.NodeID, "round", u.Round, "err", err)
		c.discard("invalid", u)
		return
	}

	c.Lock()
	added := cache.append(u)
	c.Unlock()
	if !added {
		c.discard("duplicate", u)
		return
	}
	metrics.UpdatesReceived.WithLabelValues(u.NodeID).Inc()
	c.l.Debugw("", "coordinator", "update", "node", u.NodeID, "round", u.Round,
		"samples", u.NSamples, "received", cache.Len(), "expected", c.conf.NodeCount)
}

func (c *Coordinator) discard(reason string, u *model.Update) {
	metrics.UpdatesDiscarded.WithLabelValues(reason).Inc()
	c.l.Debugw("", "coordinator", "discard_update", "reason", reason, "node", u.NodeID,
		"round", u.Round, "attempt", u.Attempt)
}

func (c *Coordinator) commit(ctx context.Context, g *model.GlobalModel, report RoundReport) error {
	if err := c.store.Put(ctx, g); err != nil {
		return fmt.Errorf("storing round %d: %w", g.Round, err)
	}
	c.Lock()
	c.global = g
	c.pending = nil
	c.reports = append(c.reports, report)
	c.Unlock()

	metrics.RoundsCompleted.Inc()
	metrics.RoundDuration.Observe(report.Duration.Seconds())
	metrics.AggregatedSamples.Set(float64(g.TotalSamples))
	metrics.GlobalAccuracy.Set(report.Accuracy)
	c.l.Infow("", "coordinator", "round_committed", "round", g.Round, "nodes", g.Nodes,
		"samples", g.TotalSamples, "partial", report.Partial, "accuracy", report.Accuracy, "loss", report.Loss)
	return nil
}

func (c *Coordinator) finish(ctx context.Context) *Summary {
	c.setState(Done)
	c.announceFinal(ctx)
	s := c.Summary()
	c.l.Infow("", "coordinator", "done", "rounds", s.Rounds, "samples", s.TotalSamples,
		"improvement", s.ImprovementRatio)
	return s
}

func (c *Coordinator) abort(ctx context.Context, err error) (*Summary, error) {
	c.Lock()
	c.err = err
	c.pending = nil
	c.Unlock()
	c.setState(Aborted)
	c.l.Errorw("", "coordinator", "aborted", "round", c.Round(), "err", err)
	if ctx.Err() == nil {
		c.announceFinal(ctx)
	}
	return c.Summary(), err
}

// announceFinal tells the nodes the session is over.
func (c *Coordinator) announceFinal(ctx context.Context) {
	g := c.Model()
	final := &model.Broadcast{
		Session: c.conf.Session,
		Round:   g.Round,
		Weights: g.Weights,
		Params:  c.conf.Params(),
		Final:   true,
	}
	if err := c.hub.Broadcast(ctx, final); err != nil {
		c.l.Warnw("", "coordinator", "final_broadcast", "err", err)
	}
}

func (c *Coordinator) setState(s State) {
	c.Lock()
	c.state = s
	round := c.round
	c.Unlock()
	metrics.CoordinatorState.Set(float64(s))
	metrics.CurrentRound.Set(float64(round))
}

// State returns the current phase.
func (c *Coordinator) State() State {
	c.RLock()
	defer c.RUnlock()
	return c.state
}

// Round returns the round in progress, or the last committed one between
// rounds.
func (c *Coordinator) Round() uint64 {
	c.RLock()
	defer c.RUnlock()
	return c.round
}

// Pending returns how many updates the round in progress has collected.
func (c *Coordinator) Pending() int {
	c.RLock()
	defer c.RUnlock()
	if c.pending == nil {
		return 0
	}
	return c.pending.Len()
}

// Model returns a copy of the last committed global model.
func (c *Coordinator) Model() *model.GlobalModel {
	c.RLock()
	defer c.RUnlock()
	return c.global.Copy()
}

// Session returns the session id.
func (c *Coordinator) Session() string {
	return c.conf.Session
}

// NodeCount returns the number of expected nodes.
func (c *Coordinator) NodeCount() int {
	return c.conf.NodeCount
}

// Summary returns the statistics of the session so far.
func (c *Coordinator) Summary() *Summary {
	c.RLock()
	defer c.RUnlock()

	s := &Summary{
		Session: c.conf.Session,
		State:   c.state.String(),
		Rounds:  c.global.Round,
		Model:   c.global.Copy(),
		Reports: append([]RoundReport(nil), c.reports...),
	}
	for _, r := range c.reports {
		s.SamplesSeen += r.Samples
	}
	if n := len(c.reports); n > 0 {
		last := c.reports[n-1]
		s.TotalSamples = last.Samples
		if last.LargestNode > 0 {
			s.ImprovementRatio = float64(last.Samples) / float64(last.LargestNode)
		}
	}
	if c.started {
		s.Duration = c.clock.Since(c.startedAt)
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	return s
}
