package lp2p

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	clock "github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"golang.org/x/xerrors"

	"github.com/fedgen/fedgen/common/log"
	"github.com/fedgen/fedgen/metrics"
	"github.com/fedgen/fedgen/model"
	"github.com/fedgen/fedgen/transport"
)

const (
	updateBuffer = 64
	// ownerCacheSize bounds how many node id to peer bindings a hub remembers.
	ownerCacheSize = 1024
	peerPollPeriod = 100 * time.Millisecond
)

// Hub publishes broadcasts and receives the updates of a session.
type Hub struct {
	e        *Endpoint
	session  string
	bcast    *pubsub.Topic
	upd      *pubsub.Topic
	sub      *pubsub.Subscription
	updates  chan *model.Update
	owners   *lru.ARCCache
	clock    clock.Clock
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	closeErr error
	l        log.Logger
}

var _ transport.Hub = (*Hub)(nil)

// NewHub joins both topics of session and starts receiving updates.
func NewHub(e *Endpoint, session string, c clock.Clock, l log.Logger) (*Hub, error) {
	if c == nil {
		c = clock.NewRealClock()
	}
	owners, err := lru.NewARC(ownerCacheSize)
	if err != nil {
		return nil, xerrors.Errorf("creating owner cache: %w", err)
	}
	h := &Hub{
		e:       e,
		session: session,
		updates: make(chan *model.Update, updateBuffer),
		owners:  owners,
		clock:   c,
		done:    make(chan struct{}),
		l:       l.Named("lp2p_hub").With("session", session),
	}

	updTopic := UpdateTopic(session)
	if err := e.PubSub.RegisterTopicValidator(updTopic, h.validate); err != nil {
		return nil, xerrors.Errorf("registering update validator: %w", err)
	}
	if h.upd, err = e.PubSub.Join(updTopic); err != nil {
		return nil, xerrors.Errorf("joining update topic: %w", err)
	}
	if h.sub, err = h.upd.Subscribe(); err != nil {
		return nil, xerrors.Errorf("subscribing to update topic: %w", err)
	}
	if h.bcast, err = e.PubSub.Join(BroadcastTopic(session)); err != nil {
		return nil, xerrors.Errorf("joining broadcast topic: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.receive(ctx)
	return h, nil
}

// validate rejects malformed updates, updates of another session and updates
// claiming a node id already bound to a different author.
func (h *Hub) validate(_ context.Context, _ peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	u := new(model.Update)
	if err := u.Unmarshal(msg.Data); err != nil {
		h.l.Debugw("", "validate", "undecodable update", "err", err)
		return pubsub.ValidationReject
	}
	if u.Session != h.session {
		return pubsub.ValidationIgnore
	}
	if err := u.Validate(); err != nil {
		metrics.UpdatesDiscarded.WithLabelValues("invalid").Inc()
		h.l.Debugw("", "validate", "invalid update", "node", u.NodeID, "err", err)
		return pubsub.ValidationReject
	}
	author, err := peer.IDFromBytes(msg.From)
	if err != nil {
		return pubsub.ValidationReject
	}
	if owner, ok := h.owners.Get(u.NodeID); ok && owner.(peer.ID) != author {
		metrics.UpdatesDiscarded.WithLabelValues("impersonation").Inc()
		h.l.Warnw("", "validate", "node id claimed by another peer", "node", u.NodeID,
			"owner", owner.(peer.ID), "author", author)
		return pubsub.ValidationReject
	}
	h.owners.Add(u.NodeID, author)
	msg.ValidatorData = u
	return pubsub.ValidationAccept
}

func (h *Hub) receive(ctx context.Context) {
	for {
		msg, err := h.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.l.Errorw("", "receive", "subscription ended", "err", err)
			}
			return
		}
		u, ok := msg.ValidatorData.(*model.Update)
		if !ok {
			continue
		}
		select {
		case h.updates <- u:
		case <-ctx.Done():
			return
		}
	}
}

// Broadcast publishes b on the broadcast topic.
func (h *Hub) Broadcast(ctx context.Context, b *model.Broadcast) error {
	select {
	case <-h.done:
		return transport.ErrClosed
	default:
	}
	data, err := b.Marshal()
	if err != nil {
		return xerrors.Errorf("encoding broadcast: %w", err)
	}
	if err := h.bcast.Publish(ctx, data); err != nil {
		return xerrors.Errorf("publishing round %d: %w", b.Round, err)
	}
	return nil
}

// Updates delivers the validated updates of the session.
func (h *Hub) Updates() <-chan *model.Update {
	return h.updates
}

// WaitForNodes blocks until n peers subscribed to the broadcast topic.
func (h *Hub) WaitForNodes(ctx context.Context, n int) error {
	return waitForPeers(ctx, h.clock, h.bcast, n)
}

// Close leaves the topics. The endpoint stays open.
func (h *Hub) Close() error {
	h.once.Do(func() {
		close(h.done)
		h.cancel()
		h.sub.Cancel()
		var result *multierror.Error
		if err := h.e.PubSub.UnregisterTopicValidator(UpdateTopic(h.session)); err != nil {
			result = multierror.Append(result, err)
		}
		if err := h.bcast.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := h.upd.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		h.closeErr = result.ErrorOrNil()
	})
	return h.closeErr
}

func waitForPeers(ctx context.Context, c clock.Clock, t *pubsub.Topic, n int) error {
	ticker := c.NewTicker(peerPollPeriod)
	defer ticker.Stop()
	for {
		if len(t.ListPeers()) >= n {
			return nil
		}
		select {
		case <-ticker.Chan():
		case <-ctx.Done():
			return xerrors.Errorf("waiting for %d peers on %s: %w", n, t.String(), ctx.Err())
		}
	}
}
