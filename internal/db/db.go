// Package db implements the embedded key-value store of spec §4.10: typed
// buckets (task_info, task_specs, task_permissions, media_info, models,
// system) over a single dgraph-io/badger/v4 file, with a transactN API for
// writes that must be atomic across buckets. Grounded on the
// bucket-prefix-key / badger.Update/View transaction pattern of
// ManuGH-xg2g's BadgerStore.
package db

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// Bucket names the typed key-prefix namespaces of spec §4.10.
type Bucket string

const (
	BucketTaskInfo        Bucket = "task_info"
	BucketTaskSpecs       Bucket = "task_specs"
	BucketTaskPermissions Bucket = "task_permissions"
	BucketMediaInfo       Bucket = "media_info"
	BucketModels          Bucket = "models"
	BucketSystem          Bucket = "system"
)

// ErrNotFound is returned by Get/Txn.Get when a key has no value.
var ErrNotFound = fmt.Errorf("db: key not found")

// Db is the process-wide embedded store handle: a cheap handle safe to
// clone and share, matching §5's "Db handle ... process-wide, initialised
// once at boot, freely cloned".
type Db struct {
	bdb *badger.DB
	log zerolog.Logger
}

// Open opens (creating if absent) the domain's single badger key-value
// store, which badger keeps as a directory of files at path.
func Open(path string, log zerolog.Logger) (*Db, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("db open %s: %w", path, err)
	}
	return &Db{bdb: bdb, log: log}, nil
}

func (d *Db) Close() error {
	return d.bdb.Close()
}

func key(b Bucket, id string) []byte {
	return []byte(string(b) + ":" + id)
}

// Get reads a single JSON-encoded value out of bucket b under id.
func (d *Db) Get(b Bucket, id string, out any) error {
	return d.bdb.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(b, id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

// Put writes a single JSON-encoded value into bucket b under id.
func (d *Db) Put(b Bucket, id string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("db put marshal: %w", err)
	}
	return d.bdb.Update(func(txn *badger.Txn) error {
		return txn.Set(key(b, id), buf)
	})
}

// Delete removes id from bucket b. Deleting an absent key is not an error.
func (d *Db) Delete(b Bucket, id string) error {
	return d.bdb.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(b, id))
	})
}

// Scan calls fn once per (id, rawValue) stored in bucket b, in key order.
// fn returning an error aborts the scan and is propagated.
func (d *Db) Scan(b Bucket, fn func(id string, val []byte) error) error {
	prefix := []byte(string(b) + ":")
	return d.bdb.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := bytes.TrimPrefix(item.KeyCopy(nil), prefix)
			var callErr error
			valErr := item.Value(func(val []byte) error {
				callErr = fn(string(id), val)
				return nil
			})
			if valErr != nil {
				return valErr
			}
			if callErr != nil {
				return callErr
			}
		}
		return nil
	})
}

// Txn is the handle fn receives from TransactN: reads and writes to any
// bucket (the buckets the caller named are not enforced), sharing one
// underlying badger transaction
// so every write commits atomically or not at all.
type Txn struct {
	txn *badger.Txn
}

func (t *Txn) Get(b Bucket, id string, out any) error {
	item, err := t.txn.Get(key(b, id))
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func (t *Txn) Put(b Bucket, id string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("db txn put marshal: %w", err)
	}
	return t.txn.Set(key(b, id), buf)
}

func (t *Txn) Delete(b Bucket, id string) error {
	return t.txn.Delete(key(b, id))
}

// TransactN runs fn against a consistent snapshot spanning the named
// buckets; the buckets argument documents intent (badger has no bucket-level
// locking) and is otherwise unused beyond that documentation. If fn returns
// an error, nothing it wrote commits — matching §4.10's "On fn returning
// Err, nothing commits."
func (d *Db) TransactN(buckets []Bucket, fn func(*Txn) error) error {
	return d.bdb.Update(func(btxn *badger.Txn) error {
		return fn(&Txn{txn: btxn})
	})
}
