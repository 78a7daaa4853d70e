package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatline/internal/ids"
	"github.com/eldtechnologies/chatline/internal/models"
)

const (
	badgerSeqKey    = "seq:messages"
	badgerSeqLease  = 100
	badgerMaxRetry  = 3
	badgerMsgPrefix = "msg:"
)

// BadgerStore keeps messages in an embedded badger database.
//
// Layout:
//
//	msg:{id}                        -> JSON message
//	conv:{conversation}/{seq:020d}  -> id
//	unread:{direction}/{seq:020d}   -> id
//
// The zero-padded seq keeps prefix scans in insertion order.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence

	// Appends take created_at and seq under this lock so both advance together.
	writeMu sync.Mutex
}

// NewBadgerStore opens a badger store in dir. An empty dir opens an
// in-memory database.
func NewBadgerStore(dir string, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	seq, err := db.GetSequence([]byte(badgerSeqKey), badgerSeqLease)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BadgerStore{db: db, seq: seq}, nil
}

// Close releases the sequence lease and closes the database.
func (s *BadgerStore) Close() {
	_ = s.seq.Release()
	s.db.Close()
}

// Ping reports whether the database is still open.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return unavailable("ping", errors.New("database closed"))
	}
	return nil
}

func badgerMessageKey(id string) []byte {
	return []byte(badgerMsgPrefix + id)
}

func badgerConvPrefix(a, b string) []byte {
	return []byte("conv:" + conversationKey(a, b) + "/")
}

func badgerUnreadPrefix(from, to string) []byte {
	return []byte("unread:" + directionKey(from, to) + "/")
}

func withSeq(prefix []byte, seq int64) []byte {
	return append(append([]byte{}, prefix...), fmt.Sprintf("%020d", seq)...)
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerMaxRetry; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Append stores a message and indexes it.
func (s *BadgerStore) Append(ctx context.Context, from, to, content string) (*models.Message, error) {
	msg := &models.Message{
		ID:      ids.NewMessageID(),
		From:    from,
		To:      to,
		Content: content,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := s.seq.Next()
	if err != nil {
		return nil, unavailable("append", err)
	}
	// Sequences start at zero; keep seq positive like the SQL backends.
	msg.Seq = int64(next) + 1
	msg.CreatedAt = now()

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, unavailable("append", err)
	}

	err = s.update(func(txn *badger.Txn) error {
		if err := txn.Set(badgerMessageKey(msg.ID), data); err != nil {
			return err
		}
		if err := txn.Set(withSeq(badgerConvPrefix(from, to), msg.Seq), []byte(msg.ID)); err != nil {
			return err
		}
		return txn.Set(withSeq(badgerUnreadPrefix(from, to), msg.Seq), []byte(msg.ID))
	})
	if err != nil {
		return nil, unavailable("append", err)
	}
	return msg, nil
}

// History retrieves the conversation between a and b.
func (s *BadgerStore) History(ctx context.Context, a, b string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		msgIDs, err := collectValues(txn, badgerConvPrefix(a, b))
		if err != nil {
			return err
		}

		for _, id := range msgIDs {
			msg, err := getMessage(txn, id)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("history", err)
	}

	sortConversation(messages)
	return messages, nil
}

// MarkRead sets read on every unread message from -> to.
func (s *BadgerStore) MarkRead(ctx context.Context, from, to string) (int64, error) {
	var updated int64
	err := s.update(func(txn *badger.Txn) error {
		updated = 0
		prefix := badgerUnreadPrefix(from, to)
		keys, err := collectKeys(txn, prefix)
		if err != nil {
			return err
		}

		for _, key := range keys {
			item, err := txn.Get(key)
			if err != nil {
				return err
			}
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			msg, err := getMessage(txn, string(id))
			if err != nil {
				return err
			}
			msg.Read = true
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := txn.Set(badgerMessageKey(msg.ID), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("mark read", err)
	}
	return updated, nil
}

// CountMessages returns the total number of stored messages.
func (s *BadgerStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		keys, err := collectKeys(txn, []byte(badgerMsgPrefix))
		count = int64(len(keys))
		return err
	})
	if err != nil {
		return 0, unavailable("count", err)
	}
	return count, nil
}

// UnreadCount returns how many messages from -> to are still unread.
func (s *BadgerStore) UnreadCount(ctx context.Context, from, to string) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		keys, err := collectKeys(txn, badgerUnreadPrefix(from, to))
		count = int64(len(keys))
		return err
	})
	if err != nil {
		return 0, unavailable("unread count", err)
	}
	return count, nil
}

func getMessage(txn *badger.Txn, id string) (models.Message, error) {
	var msg models.Message
	item, err := txn.Get(badgerMessageKey(id))
	if err != nil {
		return msg, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	})
	return msg, err
}

// collectKeys returns copies of every key under prefix, in order.
func collectKeys(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

// collectValues returns every value under prefix as a string, in key order.
func collectValues(txn *badger.Txn, prefix []byte) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var values []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		values = append(values, string(val))
	}
	return values, nil
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}
