package resultlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterConcurrentBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.txt")
	file, err := OpenFileStore(path)
	require.NoError(t, err)
	mem := &MemoryStore{}
	w := NewWriter(file, mem)

	const producers = 8
	const batches = 25
	const batchSize = 7
	run := uuid.New()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for b := 0; b < batches; b++ {
				var records []Record
				for i := 0; i < batchSize; i++ {
					name := fmt.Sprintf("p%d_b%d_%d", p, b, i)
					records = append(records, NewRecord(run, name, i%2, 0, 1, 1))
				}
				assert.NoError(t, w.Emit(records...))
			}
		}(p)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		r, err := ParseLine(scanner.Text())
		require.NoError(t, err, "line %q", scanner.Text())
		lines = append(lines, r)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, producers*batches*batchSize)

	// Every batch occupies consecutive lines.
	for i := 0; i < len(lines); i += batchSize {
		var p, b, idx int
		_, err := fmt.Sscanf(lines[i].Name, "p%d_b%d_%d", &p, &b, &idx)
		require.NoError(t, err)
		require.Equal(t, 0, idx)
		for j := 1; j < batchSize; j++ {
			assert.Equal(t, fmt.Sprintf("p%d_b%d_%d", p, b, j), lines[i+j].Name)
		}
	}

	assert.Len(t, mem.Records(), producers*batches*batchSize)
}

func TestWriterClosed(t *testing.T) {
	w := NewWriter(&MemoryStore{})
	require.NoError(t, w.Close())
	assert.Equal(t, ErrClosed, w.Emit(NewRecord(uuid.Nil, "a", 0, 0, 0, 0)))
	assert.Equal(t, ErrClosed, w.Close())
}

type failingStore struct {
	MemoryStore
}

func (f *failingStore) Put(records []Record) error {
	return fmt.Errorf("disk full")
}

func TestWriterStoreError(t *testing.T) {
	mem := &MemoryStore{}
	w := NewWriter(&failingStore{}, mem)
	require.NoError(t, w.Emit(NewRecord(uuid.Nil, "a", 0, 0, 0, 0)))
	err := w.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	// Later stores still receive the batch.
	assert.Len(t, mem.Records(), 1)
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer store.Close()

	run1, run2 := uuid.New(), uuid.New()
	batch1 := []Record{
		NewRecord(run1, "a", 0, 0, 1, 1),
		NewRecord(run1, "b", 1, 0, 1, 1),
	}
	batch2 := []Record{NewRecord(run2, "c", 0, NoClass, 0, NoClass)}
	require.NoError(t, store.Put(batch1))
	require.NoError(t, store.Put(batch2))

	records, err := store.Records(run1)
	require.NoError(t, err)
	assert.Equal(t, batch1, records)

	records, err = store.Records(run2)
	require.NoError(t, err)
	assert.Equal(t, batch2, records)

	records, err = store.Records(uuid.New())
	require.NoError(t, err)
	assert.Empty(t, records)
}
