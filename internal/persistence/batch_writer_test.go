package persistence

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governance-core/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	_, err = database.DB.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func count(t *testing.T, database *db.Database) int {
	t.Helper()
	var n int
	require.NoError(t, database.DB.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	return n
}

func TestFlushWritesBufferedOps(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database.DB, zerolog.Nop(), Options{FlushInterval: time.Hour})
	defer bw.Close()

	bw.WriteQuery("kv", `INSERT INTO kv (k, v) VALUES (?, ?)`, "a", "1")
	bw.WriteQuery("kv", `INSERT INTO kv (k, v) VALUES (?, ?)`, "b", "2")
	assert.Equal(t, 2, bw.Pending())

	require.NoError(t, bw.Flush())
	assert.Equal(t, 0, bw.Pending())
	assert.Equal(t, 2, count(t, database))

	m := bw.GetMetrics()
	assert.Equal(t, uint64(2), m.TotalWrites)
	assert.Equal(t, 2, m.LastBatchSize)
}

func TestCloseFlushesRemaining(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database.DB, zerolog.Nop(), Options{FlushInterval: time.Hour})

	bw.WriteQuery("kv", `INSERT INTO kv (k, v) VALUES (?, ?)`, "a", "1")
	require.NoError(t, bw.Close())
	assert.Equal(t, 1, count(t, database))
}

func TestFullBufferFlushesInBackground(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database.DB, zerolog.Nop(), Options{MaxSize: 2, FlushInterval: time.Hour})
	defer bw.Close()

	bw.WriteQuery("kv", `INSERT INTO kv (k, v) VALUES (?, ?)`, "a", "1")
	bw.WriteQuery("kv", `INSERT INTO kv (k, v) VALUES (?, ?)`, "b", "2")

	assert.Eventually(t, func() bool { return count(t, database) == 2 }, time.Second, 10*time.Millisecond)
}

func TestFailingOpGoesToFallbackOthersPersist(t *testing.T) {
	database := newTestDB(t)

	var (
		mu     sync.Mutex
		failed []WriteOp
	)
	bw := NewBatchWriter(database.DB, zerolog.Nop(), Options{
		FlushInterval: time.Hour,
		MaxRetries:    2,
		BaseBackoff:   time.Millisecond,
		Fallback: func(op WriteOp, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, op)
		},
	})
	defer bw.Close()

	bw.WriteQuery("kv", `INSERT INTO kv (k, v) VALUES (?, ?)`, "a", "1")
	bw.WriteQuery("missing", `INSERT INTO missing (x) VALUES (?)`, 1)
	bw.WriteQuery("kv", `INSERT INTO kv (k, v) VALUES (?, ?)`, "b", "2")

	require.Error(t, bw.Flush())
	assert.Equal(t, 2, count(t, database))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 1)
	assert.Equal(t, "missing", failed[0].Table)

	m := bw.GetMetrics()
	assert.Equal(t, uint64(1), m.TotalRetries)
	assert.Equal(t, uint64(1), m.FallbackOps)
}

func TestWriteAfterCloseUsesFallback(t *testing.T) {
	database := newTestDB(t)
	var got []WriteOp
	bw := NewBatchWriter(database.DB, zerolog.Nop(), Options{
		Fallback: func(op WriteOp, err error) { got = append(got, op) },
	})
	require.NoError(t, bw.Close())

	bw.WriteQuery("kv", `INSERT INTO kv (k, v) VALUES (?, ?)`, "late", "1")
	require.Len(t, got, 1)
	assert.Equal(t, 0, count(t, database))
}
