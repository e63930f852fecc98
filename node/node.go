// Package node implements a data sovereign participant: it trains the
// broadcast global model on its local data and submits only the resulting
// weights and its sample count.
package node

import (
	"context"
	"fmt"
	"sync"

	clock "github.com/jonboulle/clockwork"

	"github.com/fedgen/fedgen/common/log"
	"github.com/fedgen/fedgen/dataset"
	"github.com/fedgen/fedgen/metrics"
	"github.com/fedgen/fedgen/model"
	fgerrors "github.com/fedgen/fedgen/model/errors"
	"github.com/fedgen/fedgen/trainer"
	"github.com/fedgen/fedgen/transport"
)

// Config describes a node.
type Config struct {
	ID            string
	Source        dataset.Source
	Normalization dataset.Normalization
	// Session restricts the node to one session. Empty follows any session.
	Session string
	Clock   clock.Clock
}

type attemptID struct {
	round   uint64
	attempt int
}

// Node trains at most once per round attempt.
type Node struct {
	sync.Mutex
	id      string
	session string
	data    *dataset.Dataset
	p       transport.Participant
	clock   clock.Clock
	l       log.Logger
	handled map[attemptID]bool
}

// New loads and normalizes the node's data.
func New(ctx context.Context, conf *Config, p transport.Participant, l log.Logger) (*Node, error) {
	if conf.ID == "" {
		return nil, fmt.Errorf("%w: node without id", fgerrors.ErrInvalidInput)
	}
	if conf.Source == nil {
		return nil, fmt.Errorf("%w: node %s without data source", fgerrors.ErrInvalidInput, conf.ID)
	}
	raw, err := conf.Source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("node %s: loading data: %w", conf.ID, err)
	}
	data, err := dataset.Normalize(raw, conf.Normalization)
	if err != nil {
		return nil, fmt.Errorf("node %s: normalizing data: %w", conf.ID, err)
	}
	c := conf.Clock
	if c == nil {
		c = clock.NewRealClock()
	}
	if l == nil {
		l = log.DefaultLogger()
	}
	return &Node{
		id:      conf.ID,
		session: conf.Session,
		data:    data,
		p:       p,
		clock:   c,
		l:       l.Named("node").With("node", conf.ID),
		handled: make(map[attemptID]bool),
	}, nil
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.id
}

// Samples returns the number of local rows.
func (n *Node) Samples() int {
	return n.data.Len()
}

// Run answers broadcasts until the final one, which it returns.
func (n *Node) Run(ctx context.Context) (*model.Broadcast, error) {
	for {
		select {
		case b := <-n.p.Broadcasts():
			if b == nil {
				continue
			}
			if n.session != "" && b.Session != n.session {
				n.l.Debugw("", "node", "foreign_session", "session", b.Session)
				continue
			}
			if b.Final {
				n.l.Infow("", "node", "session_done", "round", b.Round, "session", b.Session)
				return b, nil
			}
			u, err := n.Train(b)
			if err != nil {
				n.l.Errorw("", "node", "train", "round", b.Round, "err", err)
				continue
			}
			if u == nil {
				continue
			}
			if err := n.p.Submit(ctx, u); err != nil {
				return nil, fmt.Errorf("node %s: submitting round %d: %w", n.id, b.Round, err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Train runs the local pass for b. It returns a nil update when the round
// attempt was already handled.
func (n *Node) Train(b *model.Broadcast) (*model.Update, error) {
	key := attemptID{round: b.Round, attempt: b.Attempt}
	n.Lock()
	if n.handled[key] {
		n.Unlock()
		n.l.Debugw("", "node", "duplicate_broadcast", "round", b.Round, "attempt", b.Attempt)
		return nil, nil
	}
	n.handled[key] = true
	n.Unlock()

	start := n.clock.Now()
	eval, err := trainer.Evaluate(b.Weights, n.data)
	if err != nil {
		return nil, err
	}
	res, err := trainer.Train(b.Weights, n.data, b.Params)
	if err != nil {
		return nil, err
	}
	elapsed := n.clock.Since(start)
	metrics.LocalTrainingDuration.WithLabelValues(n.id).Observe(elapsed.Seconds())
	n.l.Infow("", "node", "trained", "round", b.Round, "attempt", b.Attempt, "samples", res.Samples,
		"loss", eval.Loss, "accuracy", eval.Accuracy, "took", elapsed)

	return &model.Update{
		Session:  b.Session,
		NodeID:   n.id,
		Round:    b.Round,
		Attempt:  b.Attempt,
		Weights:  res.Weights,
		NSamples: res.Samples,
		Loss:     eval.Loss,
		Accuracy: eval.Accuracy,
	}, nil
}
