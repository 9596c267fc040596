package resultlog

import (
	"errors"
	"sync"
)

// ErrClosed is returned when records are emitted to a
// closed Writer.
var ErrClosed = errors.New("result writer closed")

// A Sink accepts the records of one decoded batch.
type Sink interface {
	Emit(records ...Record) error
}

// A Writer hands records from any number of producers to
// a single goroutine which owns the stores.
//
// The records of one Emit call are always stored together,
// so concurrent producers never interleave partial lines.
type Writer struct {
	batches chan []Record
	done    chan struct{}
	stores  []Store

	closeLock sync.RWMutex
	closed    bool

	errLock sync.Mutex
	err     error
}

// NewWriter starts a Writer that puts every batch into
// each of the stores, in order.
func NewWriter(stores ...Store) *Writer {
	w := &Writer{
		batches: make(chan []Record, 16),
		done:    make(chan struct{}),
		stores:  stores,
	}
	go w.loop()
	return w
}

// Emit queues a batch of records.
//
// Store failures are reported by the next Emit, and by
// Close.
func (w *Writer) Emit(records ...Record) error {
	w.closeLock.RLock()
	defer w.closeLock.RUnlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.firstErr(); err != nil {
		return err
	}
	w.batches <- append([]Record{}, records...)
	return nil
}

// Close waits for every queued batch to be stored, then
// closes the stores.
// It returns the first error encountered.
func (w *Writer) Close() error {
	w.closeLock.Lock()
	if w.closed {
		w.closeLock.Unlock()
		return ErrClosed
	}
	w.closed = true
	close(w.batches)
	w.closeLock.Unlock()

	<-w.done
	for _, s := range w.stores {
		if err := s.Close(); err != nil {
			w.setErr(err)
		}
	}
	return w.firstErr()
}

func (w *Writer) loop() {
	defer close(w.done)
	for batch := range w.batches {
		for _, s := range w.stores {
			if err := s.Put(batch); err != nil {
				w.setErr(err)
			}
		}
	}
}

func (w *Writer) setErr(err error) {
	w.errLock.Lock()
	defer w.errLock.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) firstErr() error {
	w.errLock.Lock()
	defer w.errLock.Unlock()
	return w.err
}
