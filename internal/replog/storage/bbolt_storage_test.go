package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"replog/internal/replog"
)

func createTempDB(t *testing.T) (*BboltStorage, string) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := NewBboltStorage(dbPath)
	require.NoError(t, err)
	require.NotNil(t, db)
	t.Cleanup(func() { db.Close() })

	return db, dbPath
}

func entries(from, to replog.LogIndex, term replog.Term) []replog.LogEntry {
	var result []replog.LogEntry
	for i := from; i <= to; i++ {
		result = append(result, replog.LogEntry{Index: i, Term: term, Payload: []byte{byte(i)}})
	}
	return result
}

func TestNewBboltStorage(t *testing.T) {
	t.Run("creates new database successfully", func(t *testing.T) {
		db, dbPath := createTempDB(t)
		assert.NotNil(t, db.conn)

		_, err := os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("reopens existing database with its entries", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "reopen.db")
		db, err := NewBboltStorage(dbPath)
		require.NoError(t, err)
		require.NoError(t, db.Append(entries(1, 3, 1)...))
		require.NoError(t, db.Close())

		db2, err := NewBboltStorage(dbPath)
		require.NoError(t, err)
		defer db2.Close()

		last, err := db2.LastIndex()
		require.NoError(t, err)
		assert.Equal(t, replog.LogIndex(3), last)
	})

	t.Run("fails with invalid path", func(t *testing.T) {
		db, err := NewBboltStorage("/invalid/path/that/does/not/exist/test.db")
		assert.Error(t, err)
		assert.Nil(t, db)
	})
}

func TestBboltStorage_Append(t *testing.T) {
	db, _ := createTempDB(t)

	t.Run("appends and reads back entries", func(t *testing.T) {
		require.NoError(t, db.Append(entries(1, 3, 1)...))

		entry, ok, err := db.ReadEntryAt(2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, replog.LogEntry{Index: 2, Term: 1, Payload: []byte{2}}, entry)
	})

	t.Run("empty append is a no-op", func(t *testing.T) {
		assert.NoError(t, db.Append())
	})

	t.Run("overwrites existing entry", func(t *testing.T) {
		require.NoError(t, db.Append(replog.LogEntry{Index: 3, Term: 2, Payload: []byte("second")}))

		entry, ok, err := db.ReadEntryAt(3)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, replog.Term(2), entry.Term)
		assert.Equal(t, []byte("second"), entry.Payload)
	})

	t.Run("rejects index 0", func(t *testing.T) {
		assert.Error(t, db.Append(replog.LogEntry{Index: 0, Term: 1}))
	})
}

func TestBboltStorage_ReadEntryAt(t *testing.T) {
	db, _ := createTempDB(t)
	require.NoError(t, db.Append(entries(1, 2, 1)...))

	t.Run("missing entry", func(t *testing.T) {
		_, ok, err := db.ReadEntryAt(10)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("corrupted value is reported", func(t *testing.T) {
		err := db.conn.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(logBucket).Put(uint64ToBytes(5), []byte("not snappy"))
		})
		require.NoError(t, err)

		_, _, err = db.ReadEntryAt(5)
		assert.Error(t, err)
	})
}

func TestBboltStorage_ReadRange(t *testing.T) {
	db, _ := createTempDB(t)
	require.NoError(t, db.Append(entries(1, 10, 1)...))

	t.Run("inclusive range", func(t *testing.T) {
		got, err := db.ReadRange(3, 6)
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, replog.LogIndex(3), got[0].Index)
		assert.Equal(t, replog.LogIndex(6), got[3].Index)
	})

	t.Run("range past the end is cut", func(t *testing.T) {
		got, err := db.ReadRange(9, 20)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("inverted range is empty", func(t *testing.T) {
		got, err := db.ReadRange(5, 4)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("index 0 is treated as 1", func(t *testing.T) {
		got, err := db.ReadRange(0, 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestBboltStorage_TruncateFrom(t *testing.T) {
	db, _ := createTempDB(t)
	require.NoError(t, db.Append(entries(1, 10, 1)...))

	require.NoError(t, db.TruncateFrom(4))

	last, err := db.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, replog.LogIndex(3), last)

	_, ok, err := db.ReadEntryAt(4)
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("truncating past the end is a no-op", func(t *testing.T) {
		require.NoError(t, db.TruncateFrom(50))
		last, err := db.LastIndex()
		require.NoError(t, err)
		assert.Equal(t, replog.LogIndex(3), last)
	})
}

func TestBboltStorage_LastIndex(t *testing.T) {
	db, _ := createTempDB(t)

	last, err := db.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, replog.LogIndex(0), last)

	// Keys are big endian, so 256 must sort after 255
	require.NoError(t, db.Append(entries(250, 260, 1)...))
	last, err = db.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, replog.LogIndex(260), last)
}

func TestBboltStorage_Metadata(t *testing.T) {
	db, dbPath := createTempDB(t)

	t.Run("fresh database has zero metadata", func(t *testing.T) {
		meta, err := db.LoadMetadata()
		require.NoError(t, err)
		assert.Equal(t, replog.Metadata{}, meta)
	})

	t.Run("persists across reopen", func(t *testing.T) {
		want := replog.Metadata{Term: 4, LeaderID: "leader-a", CommitIndex: 17}
		require.NoError(t, db.SaveMetadata(want))
		require.NoError(t, db.Close())

		db2, err := NewBboltStorage(dbPath)
		require.NoError(t, err)
		defer db2.Close()

		meta, err := db2.LoadMetadata()
		require.NoError(t, err)
		assert.Equal(t, want, meta)
	})
}
