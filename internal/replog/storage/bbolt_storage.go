// Package storage provides the durable log of a participant, backed by bbolt.
package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"replog/internal/replog"
	"replog/internal/replog/wire"
)

var (
	// Bucket names
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")

	// Metadata keys
	metadataKey = []byte("participant")
)

// metadataRecord is the msgpack representation of replog.Metadata
type metadataRecord struct {
	Term        uint64 `msgpack:"term"`
	LeaderID    string `msgpack:"leader"`
	CommitIndex uint64 `msgpack:"commit"`
}

// BboltStorage is a replog.LogStorage on top of a single bbolt file. Entries are keyed by their big-endian index, so
// bbolt's ordered cursors walk the log in index order. Values are snappy-compressed wire encoded entries.
type BboltStorage struct {
	conn *bbolt.DB
}

var _ replog.LogStorage = (*BboltStorage)(nil)

// NewBboltStorage opens (or creates) the bbolt database at path
func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStorage{conn: db}, nil
}

func encodeEntry(e replog.LogEntry) []byte {
	return snappy.Encode(nil, wire.MarshalEntry(e))
}

func decodeEntry(data []byte) (replog.LogEntry, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return replog.LogEntry{}, fmt.Errorf("failed to decompress log entry: %w", err)
	}
	return wire.UnmarshalEntry(raw)
}

// Append appends the entries in a single transaction. bbolt fsyncs on commit, so the entries are durable once this
// returns.
func (b *BboltStorage) Append(entries ...replog.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		for _, entry := range entries {
			if entry.Index == 0 {
				return fmt.Errorf("cannot store entry with index 0")
			}
			if err := bucket.Put(uint64ToBytes(uint64(entry.Index)), encodeEntry(entry)); err != nil {
				return fmt.Errorf("failed to store entry %d: %w", entry.Index, err)
			}
		}
		return nil
	})
}

// ReadRange returns the entries from fromIndex to toIndex (both inclusive). It stops at the first gap.
func (b *BboltStorage) ReadRange(fromIndex, toIndex replog.LogIndex) ([]replog.LogEntry, error) {
	if fromIndex == 0 {
		fromIndex = 1
	}
	if toIndex < fromIndex {
		return nil, nil
	}

	entries := make([]replog.LogEntry, 0, toIndex-fromIndex+1)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()

		expected := fromIndex
		for k, v := cursor.Seek(uint64ToBytes(uint64(fromIndex))); k != nil; k, v = cursor.Next() {
			idx := replog.LogIndex(bytesToUint64(k))
			if idx > toIndex || idx != expected {
				break
			}

			entry, err := decodeEntry(v)
			if err != nil {
				return fmt.Errorf("failed to read entry %d: %w", idx, err)
			}
			entries = append(entries, entry)
			expected++
		}
		return nil
	})
	return entries, err
}

// ReadEntryAt returns the entry at index, if there is one
func (b *BboltStorage) ReadEntryAt(index replog.LogIndex) (replog.LogEntry, bool, error) {
	var (
		entry replog.LogEntry
		found bool
	)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(logBucket).Get(uint64ToBytes(uint64(index)))
		if data == nil {
			return nil
		}

		var err error
		entry, err = decodeEntry(data)
		if err != nil {
			return fmt.Errorf("failed to read entry %d: %w", index, err)
		}
		found = true
		return nil
	})
	return entry, found, err
}

// TruncateFrom deletes all log entries starting from the given index (inclusive)
func (b *BboltStorage) TruncateFrom(index replog.LogIndex) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()

		// Cursor.Delete keeps the cursor position valid, unlike Bucket.Delete during iteration
		for k, _ := cursor.Seek(uint64ToBytes(uint64(index))); k != nil; k, _ = cursor.Seek(uint64ToBytes(uint64(index))) {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastIndex returns the index of the last log entry (0 if log is empty)
func (b *BboltStorage) LastIndex() (replog.LogIndex, error) {
	var lastIndex replog.LogIndex
	err := b.conn.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket(logBucket).Cursor().Last()
		if k != nil {
			lastIndex = replog.LogIndex(bytesToUint64(k))
		}
		return nil
	})
	return lastIndex, err
}

// LoadMetadata returns the persisted metadata, or the zero value on a fresh database
func (b *BboltStorage) LoadMetadata() (replog.Metadata, error) {
	var meta replog.Metadata
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(metadataKey)
		if data == nil {
			return nil
		}

		var record metadataRecord
		if err := msgpack.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("failed to decode metadata: %w", err)
		}
		meta = replog.Metadata{
			Term:        replog.Term(record.Term),
			LeaderID:    replog.ParticipantID(record.LeaderID),
			CommitIndex: replog.LogIndex(record.CommitIndex),
		}
		return nil
	})
	return meta, err
}

// SaveMetadata persists the metadata
func (b *BboltStorage) SaveMetadata(meta replog.Metadata) error {
	data, err := msgpack.Marshal(&metadataRecord{
		Term:        uint64(meta.Term),
		LeaderID:    string(meta.LeaderID),
		CommitIndex: uint64(meta.CommitIndex),
	})
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(metadataKey, data)
	})
}

// Close closes the storage connection
func (b *BboltStorage) Close() error {
	return b.conn.Close()
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
