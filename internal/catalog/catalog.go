// internal/catalog/catalog.go
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"patchd/internal/inventory"

	"github.com/dgraph-io/badger/v4"
)

// Record describes one published snapshot.
type Record struct {
	ID        string           `json:"id"`
	Root      inventory.Digest `json:"root"`
	Entries   int              `json:"entries"`
	Nodes     int              `json:"nodes"`
	Source    string           `json:"source"`
	CreatedAt time.Time        `json:"created_at"`
}

const (
	prefix    = "snapshot"
	latestKey = "meta:latest"
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = fmt.Errorf("snapshot record not found")

// Catalog keeps the history of published snapshots in BadgerDB.
type Catalog struct {
	db *badger.DB
}

// Open opens (or creates) the catalog database. An in-memory database
// ignores path.
func Open(path string, inMemory bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	return db, nil
}

func New(db *badger.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) makeKey(id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", prefix, id))
}

// Put stores rec and marks it as the latest snapshot.
func (c *Catalog) Put(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record ID cannot be empty")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	key := c.makeKey(rec.ID)
	return c.db.Update(func(txn *badger.Txn) error {
		// Check if key already exists
		_, err := txn.Get(key)
		if err == nil {
			return fmt.Errorf("record already exists: %s", rec.ID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(latestKey), []byte(rec.ID))
	})
}

func (c *Catalog) Get(id string) (Record, error) {
	var rec Record
	err := c.db.View(func(txn *badger.Txn) error {
		return c.load(txn, id, &rec)
	})
	return rec, err
}

// Latest returns the most recently published record.
func (c *Catalog) Latest() (Record, error) {
	var rec Record
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(latestKey))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return c.load(txn, string(id), &rec)
	})
	return rec, err
}

// List returns all records, newest first.
func (c *Catalog) List() ([]Record, error) {
	var records []Record
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix + ":")
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (c *Catalog) load(txn *badger.Txn, id string, rec *Record) error {
	item, err := txn.Get(c.makeKey(id))
	if err == badger.ErrKeyNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, rec)
	})
}
