// Package utils holds small io helpers shared by the wlog extractor and
// replayer.
package utils

import (
	"io"

	"github.com/pkg/errors"
)

// LimitedWriter wraps an io.Writer and reports ErrLimitExceeded once more
// than N bytes have been written to it in total, used by wlog.Extract to
// cap how much of the ring buffer a single archive run will copy out
// (spec section 4.11, extract).
type LimitedWriter struct {
	W io.Writer
	N uint64
}

// ErrLimitExceeded is returned (wrapped) once the configured byte budget
// is spent.
var ErrLimitExceeded = errors.New("utils: write limit exceeded")

func (lw *LimitedWriter) Write(p []byte) (int, error) {
	if lw.W == nil {
		return 0, errors.New("utils: limited writer has no underlying writer")
	}
	toWrite := p
	var limitErr error
	if uint64(len(p)) > lw.N {
		toWrite = p[:lw.N]
		limitErr = ErrLimitExceeded
	}
	n, err := lw.W.Write(toWrite)
	if n > 0 {
		lw.N -= uint64(n)
	}
	if err != nil {
		return n, err
	}
	return n, limitErr
}
