package lp2p

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	clock "github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"golang.org/x/xerrors"

	"github.com/fedgen/fedgen/common/log"
	"github.com/fedgen/fedgen/model"
	"github.com/fedgen/fedgen/transport"
)

const broadcastBuffer = 16

// Participant receives the broadcasts of a session and publishes the node's
// updates.
type Participant struct {
	e          *Endpoint
	id         string
	session    string
	hub        peer.ID
	bcast      *pubsub.Topic
	upd        *pubsub.Topic
	sub        *pubsub.Subscription
	broadcasts chan *model.Broadcast
	clock      clock.Clock
	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once
	closeErr   error
	l          log.Logger
}

var _ transport.Participant = (*Participant)(nil)

// NewParticipant joins session as node id. When hub is set, broadcasts
// authored by any other peer are rejected.
func NewParticipant(e *Endpoint, session, id string, hub peer.ID, c clock.Clock, l log.Logger) (*Participant, error) {
	if c == nil {
		c = clock.NewRealClock()
	}
	p := &Participant{
		e:          e,
		id:         id,
		session:    session,
		hub:        hub,
		broadcasts: make(chan *model.Broadcast, broadcastBuffer),
		clock:      c,
		done:       make(chan struct{}),
		l:          l.Named("lp2p_participant").With("session", session, "node", id),
	}

	var err error
	bTopic := BroadcastTopic(session)
	if err := e.PubSub.RegisterTopicValidator(bTopic, p.validate); err != nil {
		return nil, xerrors.Errorf("registering broadcast validator: %w", err)
	}
	if p.bcast, err = e.PubSub.Join(bTopic); err != nil {
		return nil, xerrors.Errorf("joining broadcast topic: %w", err)
	}
	if p.sub, err = p.bcast.Subscribe(); err != nil {
		return nil, xerrors.Errorf("subscribing to broadcast topic: %w", err)
	}
	if p.upd, err = e.PubSub.Join(UpdateTopic(session)); err != nil {
		return nil, xerrors.Errorf("joining update topic: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.receive(ctx)
	return p, nil
}

func (p *Participant) validate(_ context.Context, _ peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	b := new(model.Broadcast)
	if err := b.Unmarshal(msg.Data); err != nil {
		p.l.Debugw("", "validate", "undecodable broadcast", "err", err)
		return pubsub.ValidationReject
	}
	if b.Session != p.session {
		return pubsub.ValidationIgnore
	}
	if p.hub != "" {
		author, err := peer.IDFromBytes(msg.From)
		if err != nil || author != p.hub {
			p.l.Warnw("", "validate", "broadcast from unknown peer", "author", author)
			return pubsub.ValidationReject
		}
	}
	if !b.Final {
		if err := b.Weights.Validate(); err != nil {
			return pubsub.ValidationReject
		}
	}
	msg.ValidatorData = b
	return pubsub.ValidationAccept
}

func (p *Participant) receive(ctx context.Context) {
	for {
		msg, err := p.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.l.Errorw("", "receive", "subscription ended", "err", err)
			}
			return
		}
		b, ok := msg.ValidatorData.(*model.Broadcast)
		if !ok {
			continue
		}
		select {
		case p.broadcasts <- b:
		case <-ctx.Done():
			return
		}
	}
}

// ID returns the node id this participant publishes under.
func (p *Participant) ID() string {
	return p.id
}

// Broadcasts delivers the validated broadcasts of the session.
func (p *Participant) Broadcasts() <-chan *model.Broadcast {
	return p.broadcasts
}

// Submit waits for the hub to listen on the update topic and publishes u.
func (p *Participant) Submit(ctx context.Context, u *model.Update) error {
	select {
	case <-p.done:
		return transport.ErrClosed
	default:
	}
	if err := waitForPeers(ctx, p.clock, p.upd, 1); err != nil {
		return err
	}
	data, err := u.Marshal()
	if err != nil {
		return xerrors.Errorf("encoding update: %w", err)
	}
	if err := p.upd.Publish(ctx, data); err != nil {
		return xerrors.Errorf("publishing update of round %d: %w", u.Round, err)
	}
	return nil
}

// Close leaves the session. The endpoint stays open.
func (p *Participant) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.cancel()
		p.sub.Cancel()
		var result *multierror.Error
		if err := p.bcast.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := p.upd.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := p.e.PubSub.UnregisterTopicValidator(BroadcastTopic(p.session)); err != nil {
			result = multierror.Append(result, err)
		}
		p.closeErr = result.ErrorOrNil()
	})
	return p.closeErr
}
