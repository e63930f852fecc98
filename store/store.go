// Package store keeps the history of committed global models, one entry per
// round.
package store

import (
	"context"
	"sync"

	"github.com/fedgen/fedgen/model"
)

// Store is the global model history of a session.
type Store interface {
	Len(ctx context.Context) (int, error)
	Put(ctx context.Context, g *model.GlobalModel) error
	Last(ctx context.Context) (*model.GlobalModel, error)
	Get(ctx context.Context, round uint64) (*model.GlobalModel, error)
	Del(ctx context.Context, round uint64) error
	// History calls fn on every stored model in increasing round order and
	// stops at the first error.
	History(ctx context.Context, fn func(*model.GlobalModel) error) error
	Close(ctx context.Context) error
}

// CallbackStore is a Store that notifies callbacks of every model it saves.
type CallbackStore interface {
	Store
	AddCallback(id string, fn func(*model.GlobalModel))
	RemoveCallback(id string)
}

type callbackStore struct {
	Store
	sync.Mutex
	cbs map[string]func(*model.GlobalModel)
}

// NewCallbackStore returns a Store that calls the registered callbacks, in
// the caller's goroutine, each time a model is saved. Callbacks are skipped
// when the save fails.
func NewCallbackStore(s Store) CallbackStore {
	return &callbackStore{
		Store: s,
		cbs:   make(map[string]func(*model.GlobalModel)),
	}
}

func (c *callbackStore) Put(ctx context.Context, g *model.GlobalModel) error {
	if err := c.Store.Put(ctx, g); err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	for _, cb := range c.cbs {
		cb(g.Copy())
	}
	return nil
}

// AddCallback registers a function to call
func (c *callbackStore) AddCallback(id string, fn func(*model.GlobalModel)) {
	c.Lock()
	defer c.Unlock()
	c.cbs[id] = fn
}

func (c *callbackStore) RemoveCallback(id string) {
	c.Lock()
	defer c.Unlock()
	delete(c.cbs, id)
}
