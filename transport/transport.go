// Package transport defines the messaging substrate between the hub and the
// nodes of a session.
package transport

import (
	"context"
	"errors"

	"github.com/fedgen/fedgen/model"
)

// ErrClosed is returned when using a closed endpoint.
var ErrClosed = errors.New("transport closed")

// Hub is the coordinator side of the substrate. Broadcast reaches every
// joined participant. Updates delivers what participants submit.
type Hub interface {
	Broadcast(ctx context.Context, b *model.Broadcast) error
	Updates() <-chan *model.Update
	Close() error
}

// Participant is the node side of the substrate.
type Participant interface {
	ID() string
	Broadcasts() <-chan *model.Broadcast
	Submit(ctx context.Context, u *model.Update) error
	Close() error
}

func copyBroadcast(b *model.Broadcast) *model.Broadcast {
	c := *b
	c.Weights = b.Weights.Copy()
	return &c
}

func copyUpdate(u *model.Update) *model.Update {
	c := *u
	c.Weights = u.Weights.Copy()
	return &c
}
