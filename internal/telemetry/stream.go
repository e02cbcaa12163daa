package telemetry

import (
	"encoding/csv"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Stream is an append-only CSV sink. Put hands a record to a buffered
// channel; a single writer goroutine formats and flushes it.
type Stream[T any] struct {
	name string
	ch   chan T
	done chan struct{}
	row  func(T) []string
	out  io.WriteCloser
	log  *logrus.Entry

	mu     sync.RWMutex
	closed bool
	err    error
}

func NewStream[T any](
	name string,
	out io.WriteCloser,
	buffer int,
	header []string,
	row func(T) []string,
	log *logrus.Entry,
) *Stream[T] {
	if log == nil {
		log = logrus.WithField("component", "telemetry")
	}
	s := &Stream[T]{
		name: name,
		ch:   make(chan T, buffer),
		done: make(chan struct{}),
		row:  row,
		out:  out,
		log:  log.WithField("stream", name),
	}
	go s.write(header)
	return s
}

// Put enqueues v. Records put after Close are dropped.
func (s *Stream[T]) Put(v T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.log.Debug("record dropped after close")
		return
	}
	s.ch <- v
}

func (s *Stream[T]) write(header []string) {
	defer close(s.done)

	w := csv.NewWriter(s.out)
	var errs []error
	if header != nil {
		errs = append(errs, w.Write(header))
	}

	for v := range s.ch {
		if err := w.Write(s.row(v)); err != nil {
			s.log.WithError(err).Error("write record")
			errs = append(errs, err)
			continue
		}
		// flush whenever the queue runs dry
		if len(s.ch) == 0 {
			w.Flush()
			if err := w.Error(); err != nil {
				s.log.WithError(err).Error("flush records")
				errs = append(errs, err)
			}
		}
	}

	w.Flush()
	errs = append(errs, w.Error(), s.out.Close())
	s.err = errors.Join(errs...)
}

// Close drains pending records and closes the underlying writer.
func (s *Stream[T]) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()

	<-s.done
	return s.err
}
