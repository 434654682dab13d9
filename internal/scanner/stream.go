package scanner

import (
	"errors"
	"iter"
	"sync"
)

// ErrStreamConsumed is returned by Stream.Err when Pages is ranged over a
// second time. Streams are not restartable; call ScanStream again instead.
var ErrStreamConsumed = errors.New("scanner: page stream already consumed")

// Stream is a lazy, single-use sequence of (page index, bytes). The device is
// driven only while the caller ranges over Pages; breaking out of the loop
// stops the job.
type Stream struct {
	run func(yield func(int, []byte) bool) error

	mu   sync.Mutex
	used bool
	err  error
}

// NewStream wraps a producer. run must return once yield reports false.
func NewStream(run func(yield func(int, []byte) bool) error) *Stream {
	return &Stream{run: run}
}

// FailedStream returns a stream that yields nothing and reports err.
func FailedStream(err error) *Stream {
	return NewStream(func(func(int, []byte) bool) error { return err })
}

// Pages returns the page sequence.
func (s *Stream) Pages() iter.Seq2[int, []byte] {
	return func(yield func(int, []byte) bool) {
		s.mu.Lock()
		if s.used {
			s.err = ErrStreamConsumed
			s.mu.Unlock()
			return
		}
		s.used = true
		s.mu.Unlock()

		err := s.run(yield)

		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
}

// Err reports the error that ended the stream, nil on clean end of sequence.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
