package anchoring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/exonum/exonum-anchoring/btc"
)

// ErrBroken marks an invariant violation, such as a quorum lect that is
// neither a funding nor an anchoring transaction. It is fatal: commit
// processing stops and the error is never routed to the sink.
var ErrBroken = errors.New("anchoring state is broken")

// IncorrectLectError reports a lect that failed an integrity check. It is
// recorded for observability and does not halt block processing.
type IncorrectLectError struct {
	Reason string
	Tx     btc.Tx
}

func (e *IncorrectLectError) Error() string {
	return fmt.Sprintf("incorrect lect: %s, txid=%s", e.Reason, e.Tx.ID())
}

// LectNotFoundError reports that no lect reached quorum at a height where one
// was required.
type LectNotFoundError struct {
	Height uint64
}

func (e *LectNotFoundError) Error() string {
	return fmt.Sprintf("suitable lect not found at height %d", e.Height)
}

// ErrorSink collects the non-fatal errors raised while processing commits so
// the node keeps participating while anchoring is degraded.
type ErrorSink struct {
	mu   sync.Mutex
	errs []error
}

// Push records err.
func (s *ErrorSink) Push(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

// Errors returns the recorded errors, oldest first.
func (s *ErrorSink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// Len returns the number of recorded errors.
func (s *ErrorSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}
