package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatlens/pkg/persistence/contextstore"
)

const defaultWriteTimeout = 5 * time.Second

type persistJob struct {
	key    string
	value  []byte
	delete bool
}

// persistWriter applies store writes and deletes in submission order on a
// single goroutine. Submission never blocks the caller.
type persistWriter struct {
	store   contextstore.Store
	timeout time.Duration

	mu       sync.Mutex
	queue    []persistJob
	inflight *persistJob
	busy     bool
	closed  bool
	drained chan struct{}

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func newPersistWriter(store contextstore.Store, timeout time.Duration) *persistWriter {
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	w := &persistWriter{
		store:   store,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *persistWriter) submit(job persistJob) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		log.Warn().Str("component", "session").Str("key", job.key).Msg("persist writer closed, dropping job")
		return false
	}
	w.queue = append(w.queue, job)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *persistWriter) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.wake:
			w.drain()
		case <-w.stop:
			w.drain()
			return
		}
	}
}

func (w *persistWriter) drain() {
	for {
		w.mu.Lock()
		w.inflight = nil
		if len(w.queue) == 0 {
			w.busy = false
			if w.drained != nil {
				close(w.drained)
				w.drained = nil
			}
			w.mu.Unlock()
			return
		}
		job := w.queue[0]
		w.queue[0] = persistJob{}
		w.queue = w.queue[1:]
		w.busy = true
		w.inflight = &job
		w.mu.Unlock()

		w.apply(job)
	}
}

// pending returns the newest job for key that may not have reached the store
// yet, including the one being applied right now.
func (w *persistWriter) pending(key string) (persistJob, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.queue) - 1; i >= 0; i-- {
		if w.queue[i].key == key {
			return w.queue[i], true
		}
	}
	if w.inflight != nil && w.inflight.key == key {
		return *w.inflight, true
	}
	return persistJob{}, false
}

func (w *persistWriter) apply(job persistJob) {
	// Writes are detached from whatever request triggered them.
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	var err error
	if job.delete {
		err = w.store.Delete(ctx, job.key)
	} else {
		err = w.store.Set(ctx, job.key, job.value)
	}
	if err != nil {
		log.Warn().Err(err).
			Str("component", "session").
			Str("key", job.key).
			Bool("delete", job.delete).
			Msg("persist query context failed")
		return
	}
	log.Debug().Str("component", "session").Str("key", job.key).Bool("delete", job.delete).Msg("persisted query context")
}

// flush blocks until every job submitted before the call has been applied.
func (w *persistWriter) flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.queue) == 0 && !w.busy {
		w.mu.Unlock()
		return nil
	}
	if w.drained == nil {
		w.drained = make(chan struct{})
	}
	ch := w.drained
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "flush query context writes")
	}
}

// close applies the remaining queue and stops the goroutine.
func (w *persistWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	w.wg.Wait()
}
