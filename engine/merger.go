package engine

import (
	"errors"
	"sync"
)

// errorMerger allows to listen to multiple error channels.
type errorMerger struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
	// first is closed when the first error arrives.
	first chan struct{}
	once  sync.Once
}

func newErrorMerger() *errorMerger {
	return &errorMerger{first: make(chan struct{})}
}

// add error channels from all loops into one.
func (m *errorMerger) add(errcList ...<-chan error) {
	m.wg.Add(len(errcList))
	for _, ec := range errcList {
		go m.listen(ec)
	}
}

// listen blocks until error is received or channel is closed.
func (m *errorMerger) listen(ec <-chan error) {
	defer m.wg.Done()
	for err := range ec {
		m.mu.Lock()
		m.errs = append(m.errs, err)
		m.mu.Unlock()
		m.once.Do(func() { close(m.first) })
	}
}

// wait waits for all underlying error channels to be closed and returns
// all received errors joined.
func (m *errorMerger) wait() error {
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	return errors.Join(m.errs...)
}
