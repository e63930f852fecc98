package memdb

import (
	"context"
	"sort"
	"sync"

	"github.com/fedgen/fedgen/model"
	fgerrors "github.com/fedgen/fedgen/model/errors"
	"github.com/fedgen/fedgen/store"
)

// Store keeps the most recent models in memory.
type Store struct {
	storeMtx sync.RWMutex
	store    []*model.GlobalModel
	maxSize  int
}

var _ store.Store = (*Store)(nil)

// NewStore returns a store holding at most maxSize rounds. A non positive
// maxSize keeps everything.
func NewStore(maxSize int) *Store {
	return &Store{maxSize: maxSize}
}

func (m *Store) Len(_ context.Context) (int, error) {
	m.storeMtx.RLock()
	defer m.storeMtx.RUnlock()

	return len(m.store), nil
}

// Put replaces any model already stored for the same round.
func (m *Store) Put(_ context.Context, g *model.GlobalModel) error {
	m.storeMtx.Lock()
	defer m.storeMtx.Unlock()

	cp := g.Copy()
	replaced := false
	for i, sg := range m.store {
		if sg.Round == g.Round {
			m.store[i] = cp
			replaced = true
			break
		}
	}
	if !replaced {
		m.store = append(m.store, cp)
		sort.Slice(m.store, func(i, j int) bool {
			return m.store[i].Round < m.store[j].Round
		})
	}
	if m.maxSize > 0 && len(m.store) > m.maxSize {
		m.store = m.store[len(m.store)-m.maxSize:]
	}
	return nil
}

func (m *Store) Last(_ context.Context) (*model.GlobalModel, error) {
	m.storeMtx.RLock()
	defer m.storeMtx.RUnlock()

	if len(m.store) == 0 {
		return nil, fgerrors.ErrNoModelSaved
	}
	return m.store[len(m.store)-1].Copy(), nil
}

func (m *Store) Get(_ context.Context, round uint64) (*model.GlobalModel, error) {
	m.storeMtx.RLock()
	defer m.storeMtx.RUnlock()

	for _, g := range m.store {
		if g.Round == round {
			return g.Copy(), nil
		}
	}
	return nil, fgerrors.ErrNoModelStored
}

func (m *Store) Del(_ context.Context, round uint64) error {
	m.storeMtx.Lock()
	defer m.storeMtx.Unlock()

	for idx, g := range m.store {
		if g.Round == round {
			m.store = append(m.store[:idx], m.store[idx+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Store) History(ctx context.Context, fn func(*model.GlobalModel) error) error {
	m.storeMtx.RLock()
	snapshot := make([]*model.GlobalModel, len(m.store))
	for i, g := range m.store {
		snapshot[i] = g.Copy()
	}
	m.storeMtx.RUnlock()

	for _, g := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(g); err != nil {
			return err
		}
	}
	return nil
}

// Close is a noop
func (m *Store) Close(_ context.Context) error {
	return nil
}
