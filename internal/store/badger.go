package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Badger stores blobs in a badger key-value database.
type Badger struct {
	db  *badger.DB
	log *logrus.Entry
}

// BadgerConfig configures OpenBadger. An empty Path opens an in-memory
// database.
type BadgerConfig struct {
	Path   string
	Logger *logrus.Logger
}

// OpenBadger opens or creates the database.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}
	// badger's own logger is chatty at INFO
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db, log: cfg.Logger.WithField("component", "store.badger")}, nil
}

// Close releases the database.
func (b *Badger) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Badger) Save(key string, data []byte) error {
	if b == nil {
		return errors.New("nil store")
	}
	k, err := CleanKey(key)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(k), data)
	})
	if err != nil {
		b.log.WithError(err).WithField("key", k).Error("save failed")
	}
	return err
}

func (b *Badger) Load(key string) ([]byte, error) {
	if b == nil {
		return nil, errors.New("nil store")
	}
	k, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(k))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

func (b *Badger) List(prefix string) ([]string, error) {
	if b == nil {
		return nil, errors.New("nil store")
	}
	p, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(p)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

func (b *Badger) Delete(key string) error {
	if b == nil {
		return errors.New("nil store")
	}
	k, err := CleanKey(key)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(k)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete([]byte(k))
	})
}
