package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fedgen/fedgen/model"
)

// DefaultBuffer is the per endpoint channel capacity of a memory network.
const DefaultBuffer = 16

// MemoryNetwork connects one hub to any number of participants inside the
// process. Messages are deep copied on delivery.
type MemoryNetwork struct {
	sync.Mutex
	buffer       int
	updates      chan *model.Update
	participants map[string]*memoryParticipant
	hub          *memoryHub
}

// NewMemoryNetwork returns an empty network. A non positive buffer uses
// DefaultBuffer.
func NewMemoryNetwork(buffer int) *MemoryNetwork {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	n := &MemoryNetwork{
		buffer:       buffer,
		updates:      make(chan *model.Update, buffer),
		participants: make(map[string]*memoryParticipant),
	}
	n.hub = &memoryHub{net: n, done: make(chan struct{})}
	return n
}

// Hub returns the hub endpoint of the network.
func (n *MemoryNetwork) Hub() Hub {
	return n.hub
}

// Join registers a participant under id.
func (n *MemoryNetwork) Join(id string) (Participant, error) {
	n.Lock()
	defer n.Unlock()
	if _, exists := n.participants[id]; exists {
		return nil, fmt.Errorf("participant %s already joined", id)
	}
	p := &memoryParticipant{
		id:         id,
		net:        n,
		broadcasts: make(chan *model.Broadcast, n.buffer),
		done:       make(chan struct{}),
	}
	n.participants[id] = p
	return p, nil
}

// Participants returns the ids currently joined, sorted.
func (n *MemoryNetwork) Participants() []string {
	n.Lock()
	defer n.Unlock()
	ids := make([]string, 0, len(n.participants))
	for id := range n.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (n *MemoryNetwork) snapshot() []*memoryParticipant {
	n.Lock()
	defer n.Unlock()
	ps := make([]*memoryParticipant, 0, len(n.participants))
	for _, p := range n.participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].id < ps[j].id })
	return ps
}

func (n *MemoryNetwork) leave(id string) {
	n.Lock()
	defer n.Unlock()
	delete(n.participants, id)
}

type memoryHub struct {
	net  *MemoryNetwork
	once sync.Once
	done chan struct{}
}

func (h *memoryHub) Broadcast(ctx context.Context, b *model.Broadcast) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	for _, p := range h.net.snapshot() {
		select {
		case p.broadcasts <- copyBroadcast(b):
		case <-p.done:
		case <-h.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *memoryHub) Updates() <-chan *model.Update {
	return h.net.updates
}

func (h *memoryHub) Close() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

type memoryParticipant struct {
	id         string
	net        *MemoryNetwork
	broadcasts chan *model.Broadcast
	once       sync.Once
	done       chan struct{}
}

func (p *memoryParticipant) ID() string {
	return p.id
}

func (p *memoryParticipant) Broadcasts() <-chan *model.Broadcast {
	return p.broadcasts
}

func (p *memoryParticipant) Submit(ctx context.Context, u *model.Update) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.net.updates <- copyUpdate(u):
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.net.hub.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *memoryParticipant) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.net.leave(p.id)
	})
	return nil
}
