// Package kvstore is the Badger implementation of the durable store.
//
// Key layout:
//
//	ev:<id>                          event JSON
//	fe:<feed>:<created_at BE64><id>  feed index, empty value
//	pf:<pubkey>                      profile JSON
//	rs:<url>                         relay stats JSON
//	sn:<feed>:<id>                   seen_at BE64
package kvstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nbd-wtf/go-nostr"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/note"
	"github.com/hpungsan/notefeed/internal/relay"
)

// DirName is the Badger directory created under the base directory.
const DirName = "badger"

// txnChunk bounds writes per transaction to stay under Badger's txn size limit.
const txnChunk = 100

var (
	prefixEvent   = []byte("ev:")
	prefixFeed    = []byte("fe:")
	prefixProfile = []byte("pf:")
	prefixRelay   = []byte("rs:")
	prefixSeen    = []byte("sn:")
)

// Store implements store.Store on Badger.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// Open opens (or creates) a Badger store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	return open(opts)
}

// OpenInMemory opens a store that keeps nothing on disk.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func key(prefix []byte, parts ...string) []byte {
	k := append([]byte{}, prefix...)
	for i, p := range parts {
		if i > 0 {
			k = append(k, ':')
		}
		k = append(k, p...)
	}
	return k
}

func feedPrefix(feedType string) []byte {
	return append(key(prefixFeed, feedType), ':')
}

func feedKey(feedType string, createdAt nostr.Timestamp, id string) []byte {
	k := feedPrefix(feedType)
	k = binary.BigEndian.AppendUint64(k, uint64(createdAt))
	return append(k, id...)
}

func seenPrefix(feedType string) []byte {
	return append(key(prefixSeen, feedType), ':')
}

func exists(txn *badger.Txn, k []byte) (bool, error) {
	_, err := txn.Get(k)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveEvents stores events and indexes them under feedType.
func (s *Store) SaveEvents(ctx context.Context, feedType string, events []*nostr.Event) (int64, error) {
	var indexed int64
	for start := 0; start < len(events); start += txnChunk {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		chunk := events[start:min(start+txnChunk, len(events))]
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, ev := range chunk {
				if ev == nil || ev.ID == "" {
					continue
				}
				evKey := key(prefixEvent, ev.ID)
				ok, err := exists(txn, evKey)
				if err != nil {
					return err
				}
				if !ok {
					data, err := json.Marshal(ev)
					if err != nil {
						return err
					}
					if err := txn.Set(evKey, data); err != nil {
						return err
					}
				}

				fk := feedKey(feedType, ev.CreatedAt, ev.ID)
				ok, err = exists(txn, fk)
				if err != nil {
					return err
				}
				if ok {
					continue
				}
				if err := txn.Set(fk, nil); err != nil {
					return err
				}
				indexed++
			}
			return nil
		})
		if err != nil {
			return 0, errors.NewInternal(err)
		}
	}
	return indexed, nil
}

// EventsBefore returns up to limit events of feedType older than before, newest first.
func (s *Store) EventsBefore(ctx context.Context, feedType string, before nostr.Timestamp, limit int) ([]*nostr.Event, error) {
	events := make([]*nostr.Event, 0, max(limit, 0))
	if limit <= 0 {
		return events, nil
	}

	prefix := feedPrefix(feedType)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse seek lands on the greatest key <= seek, i.e. the newest entry below before.
		seek := binary.BigEndian.AppendUint64(append([]byte{}, prefix...), uint64(before))
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(events) < limit; it.Next() {
			id := string(it.Item().Key()[len(prefix)+8:])
			ev, err := getEvent(txn, id)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return events, nil
}

func getEvent(txn *badger.Txn, id string) (*nostr.Event, error) {
	item, err := txn.Get(key(prefixEvent, id))
	if err != nil {
		return nil, err
	}
	var ev nostr.Event
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &ev)
	}); err != nil {
		return nil, err
	}
	return &ev, nil
}

// EventByID returns a stored event.
func (s *Store) EventByID(_ context.Context, id string) (*nostr.Event, error) {
	var ev *nostr.Event
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ev, err = getEvent(txn, id)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return ev, nil
}

// SaveProfile stores p unless a newer profile exists.
func (s *Store) SaveProfile(_ context.Context, p note.Profile) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		k := key(prefixProfile, p.PubKey)
		item, err := txn.Get(k)
		if err == nil {
			var existing note.Profile
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return err
			}
			if existing.UpdatedAt >= p.UpdatedAt {
				return nil
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return txn.Set(k, data)
	})
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// Profile returns the stored profile of pubkey.
func (s *Store) Profile(_ context.Context, pubkey string) (note.Profile, error) {
	var p note.Profile
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixProfile, pubkey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if err == badger.ErrKeyNotFound {
		return note.Profile{}, errors.NewNotFound(pubkey)
	}
	if err != nil {
		return note.Profile{}, errors.NewInternal(err)
	}
	return p, nil
}

func (s *Store) SaveRelayStats(_ context.Context, stats []relay.Stats) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, st := range stats {
			data, err := json.Marshal(st)
			if err != nil {
				return err
			}
			if err := txn.Set(key(prefixRelay, st.URL), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// RelayStats returns every persisted snapshot ordered by URL.
func (s *Store) RelayStats(_ context.Context) ([]relay.Stats, error) {
	stats := []relay.Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixRelay
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var st relay.Stats
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			}); err != nil {
				return err
			}
			stats = append(stats, st)
		}
		return nil
	})
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return stats, nil
}

// MarkSeen records ids under feedType, keeping the first timestamp of each.
func (s *Store) MarkSeen(ctx context.Context, feedType string, ids []string) error {
	seenAt := binary.BigEndian.AppendUint64(nil, uint64(s.now().Unix()))
	prefix := seenPrefix(feedType)
	for start := 0; start < len(ids); start += txnChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := ids[start:min(start+txnChunk, len(ids))]
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, id := range chunk {
				k := append(append([]byte{}, prefix...), id...)
				ok, err := exists(txn, k)
				if err != nil {
					return err
				}
				if ok {
					continue
				}
				if err := txn.Set(k, seenAt); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.NewInternal(err)
		}
	}
	return nil
}

// SeenIDs returns every id recorded under feedType, in key order.
func (s *Store) SeenIDs(_ context.Context, feedType string) ([]string, error) {
	ids := []string{}
	prefix := seenPrefix(feedType)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return ids, nil
}

// Prune deletes events created before olderThan with their feed index entries,
// and seen ids recorded before it.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := uint64(olderThan.Unix())

	var (
		doomed  [][]byte
		deleted int64
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixFeed
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			sep := bytes.IndexByte(k[len(prefixFeed):], ':')
			tsAt := len(prefixFeed) + sep + 1
			if sep < 0 || len(k) < tsAt+8 {
				continue
			}
			if binary.BigEndian.Uint64(k[tsAt:tsAt+8]) < cutoff {
				doomed = append(doomed, k)
			}
		}
		it.Close()

		it = txn.NewIterator(badger.IteratorOptions{Prefix: prefixEvent, PrefetchValues: true, PrefetchSize: 100})
		for it.Rewind(); it.Valid(); it.Next() {
			var ev struct {
				CreatedAt nostr.Timestamp `json:"created_at"`
			}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				it.Close()
				return err
			}
			if uint64(ev.CreatedAt) < cutoff {
				doomed = append(doomed, it.Item().KeyCopy(nil))
				deleted++
			}
		}
		it.Close()

		it = txn.NewIterator(badger.IteratorOptions{Prefix: prefixSeen, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var seenAt uint64
			if err := it.Item().Value(func(val []byte) error {
				if len(val) == 8 {
					seenAt = binary.BigEndian.Uint64(val)
				}
				return nil
			}); err != nil {
				return err
			}
			if seenAt < cutoff {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, errors.NewInternal(err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range doomed {
		if err := wb.Delete(k); err != nil {
			return 0, errors.NewInternal(err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, errors.NewInternal(err)
	}
	return deleted, nil
}
