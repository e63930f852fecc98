package boltdb

import (
	"context"
	"path"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/fedgen/fedgen/common/log"
	"github.com/fedgen/fedgen/model"
	fgerrors "github.com/fedgen/fedgen/model/errors"
	"github.com/fedgen/fedgen/store"
)

// BoltStore implements the Store interface using the kv storage boltdb (native
// golang implementation). Models are stored JSON encoded, keyed by their
// big-endian round number.
//
//nolint:gocritic // We do want to have a mutex here
type BoltStore struct {
	sync.Mutex
	db *bolt.DB

	log log.Logger
}

var modelBucket = []byte("models")

// BoltFileName is the name of the file boltdb writes to
const BoltFileName = "fedgen.db"

// BoltStoreOpenPerm is the permission we will use to read bolt store file from disk
const BoltStoreOpenPerm = 0660

var _ store.Store = (*BoltStore)(nil)

// NewBoltStore returns a Store implementation using the boltdb storage engine.
func NewBoltStore(ctx context.Context, l log.Logger, folder string, opts *bolt.Options) (*BoltStore, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	db, err := bolt.Open(path.Join(folder, BoltFileName), BoltStoreOpenPerm, opts)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(modelBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{log: l, db: db}, nil
}

// Len returns the number of stored rounds.
func (b *BoltStore) Len(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	length := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		length = tx.Bucket(modelBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		b.log.Warnw("", "boltdb", "error getting length", "err", err)
	}
	return length, err
}

func (b *BoltStore) Close(context.Context) error {
	err := b.db.Close()
	if err != nil {
		b.log.Errorw("", "boltdb", "close", "err", err)
	}
	return err
}

// Put saves g under its round, overwriting any previous entry.
func (b *BoltStore) Put(ctx context.Context, g *model.GlobalModel) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	buff, err := g.Marshal()
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		err := tx.Bucket(modelBucket).Put(model.RoundToBytes(g.Round), buff)
		if err != nil {
			b.log.Debugw("storing global model", "round", g.Round, "err", err)
		}
		return err
	})
}

// Last returns the model of the highest stored round.
func (b *BoltStore) Last(ctx context.Context) (*model.GlobalModel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	g := new(model.GlobalModel)
	err := b.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(modelBucket).Cursor().Last()
		if v == nil {
			return fgerrors.ErrNoModelSaved
		}
		return g.Unmarshal(v)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Get returns the model saved at this round
func (b *BoltStore) Get(ctx context.Context, round uint64) (*model.GlobalModel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	g := new(model.GlobalModel)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(modelBucket).Get(model.RoundToBytes(round))
		if v == nil {
			return fgerrors.ErrNoModelStored
		}
		return g.Unmarshal(v)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (b *BoltStore) Del(ctx context.Context, round uint64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(modelBucket).Delete(model.RoundToBytes(round))
	})
}

func (b *BoltStore) History(ctx context.Context, fn func(*model.GlobalModel) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(modelBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			g := new(model.GlobalModel)
			if err := g.Unmarshal(v); err != nil {
				return err
			}
			if err := fn(g); err != nil {
				return err
			}
		}
		return nil
	})
}
