package loopback

import (
	"bytes"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/mosaicnetworks/murmur/src/net/signal"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

const boardPrefix = "board"

// record is the stored form of an envelope
type record struct {
	Kind      string `codec:"k"`
	From      string `codec:"f"`
	To        string `codec:"t"`
	Payload   []byte `codec:"p"`
	Timestamp int64  `codec:"ts"`
	ChannelID string `codec:"c"`
	Via       string `codec:"v"`
	PostedAt  int64  `codec:"at"`
}

func (r *record) marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	mh := new(codec.MsgpackHandle)
	enc := codec.NewEncoder(b, mh)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (r *record) unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	mh := new(codec.MsgpackHandle)
	dec := codec.NewDecoder(b, mh)
	return dec.Decode(r)
}

func (r *record) envelope() signal.Envelope {
	return signal.Envelope{
		Kind:      signal.Kind(r.Kind),
		From:      r.From,
		To:        r.To,
		Payload:   r.Payload,
		Timestamp: r.Timestamp,
		ChannelID: r.ChannelID,
		Via:       r.Via,
	}
}

// Board is a shared message board backed by badger. Every loopback Transport
// of a process posts to and reads from the same Board. Entries of a channel
// are stored under one key prefix, ordered by posting time.
//
// Posts are serialized and their keys never go back in time, so an entry
// always commits with a key greater than every entry already visible to a
// reader. A reader's cursor therefore never skips an entry.
type Board struct {
	db     *badger.DB
	path   string
	logger *logrus.Entry

	postLock sync.Mutex
	seq      uint64
	lastAt   int64

	closeLock sync.RWMutex
	closed    bool
}

// OpenBoard opens, or creates, a Board in the given directory
func OpenBoard(path string, logger *logrus.Entry) (*Board, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = logger

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening board in %s: %w", path, err)
	}

	return &Board{
		db:     handle,
		path:   path,
		logger: logger,
	}, nil
}

// Path returns the directory of the Board
func (b *Board) Path() string {
	return b.path
}

// Open returns false once the Board is closed
func (b *Board) Open() bool {
	b.closeLock.RLock()
	defer b.closeLock.RUnlock()
	return !b.closed
}

// Close closes the underlying database
func (b *Board) Close() error {
	b.closeLock.Lock()
	defer b.closeLock.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	return b.db.Close()
}

// Channel ids are escaped so that one channel's prefix never matches another
// channel's keys.
func channelPrefix(channelID string) []byte {
	return []byte(fmt.Sprintf("%s/%s/", boardPrefix, url.PathEscape(channelID)))
}

func entryKey(channelID string, at time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/%020d", channelPrefix(channelID), at.UnixNano(), seq))
}

// cursorAt returns a key that sorts before every entry posted at or after t
func cursorAt(channelID string, t time.Time) []byte {
	return []byte(fmt.Sprintf("%s%020d", channelPrefix(channelID), t.UnixNano()))
}

// Post stores an envelope on its channel
func (b *Board) Post(env signal.Envelope, at time.Time) error {
	b.closeLock.RLock()
	defer b.closeLock.RUnlock()

	if b.closed {
		return signal.ErrNotConnected
	}

	rec := &record{
		Kind:      string(env.Kind),
		From:      env.From,
		To:        env.To,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
		ChannelID: env.ChannelID,
		Via:       env.Via,
		PostedAt:  at.UnixNano(),
	}

	val, err := rec.marshal()
	if err != nil {
		return err
	}

	b.postLock.Lock()
	defer b.postLock.Unlock()

	if at.UnixNano() < b.lastAt {
		at = time.Unix(0, b.lastAt)
	}
	b.lastAt = at.UnixNano()
	b.seq++

	key := entryKey(env.ChannelID, at, b.seq)

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// ReadAfter returns the channel's entries whose key sorts strictly after
// cursor, and the key of the last one returned. When there is nothing new,
// the cursor is returned unchanged.
func (b *Board) ReadAfter(channelID string, cursor []byte) ([]signal.Envelope, []byte, error) {
	b.closeLock.RLock()
	defer b.closeLock.RUnlock()

	if b.closed {
		return nil, cursor, signal.ErrNotConnected
	}

	var res []signal.Envelope
	last := cursor
	prefix := channelPrefix(channelID)

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(cursor); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if bytes.Equal(item.Key(), cursor) {
				continue
			}

			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			var rec record
			if err := rec.unmarshal(val); err != nil {
				b.logger.WithError(err).Debug("Skipping unreadable board entry")
			} else {
				res = append(res, rec.envelope())
			}

			last = item.KeyCopy(nil)
		}

		return nil
	})

	return res, last, err
}

// Prune deletes the channel's entries posted before the given time. It returns
// the number of deleted entries.
func (b *Board) Prune(channelID string, before time.Time) (int, error) {
	b.closeLock.RLock()
	defer b.closeLock.RUnlock()

	if b.closed {
		return 0, signal.ErrNotConnected
	}

	var stale [][]byte
	limit := cursorAt(channelID, before)
	prefix := channelPrefix(channelID)

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if bytes.Compare(key, limit) >= 0 {
				break
			}
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(stale), nil
}
