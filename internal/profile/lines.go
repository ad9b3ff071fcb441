package profile

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/cautelapp/carelink/internal/groutine"
)

type lineResult struct {
	line string
	err  error
}

// LineReader reads answers from an input that may block forever, such as a
// terminal, while honouring context cancellation. At most one read is in
// flight; a line that arrives after its caller gave up goes to the next caller.
type LineReader struct {
	in *bufio.Reader

	mu       sync.Mutex
	inflight chan lineResult
}

// NewLineReader wraps in. Share one LineReader per input so no buffered text is lost.
func NewLineReader(in io.Reader) *LineReader {
	return &LineReader{in: bufio.NewReader(in)}
}

// ReadLine returns the next line with its newline. At end of input it returns
// the trailing text with io.EOF, like bufio.Reader.ReadString. When ctx ends
// first it returns ctx.Err().
func (r *LineReader) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	ch := r.inflight
	if ch == nil {
		ch = make(chan lineResult, 1)
		r.inflight = ch
		groutine.Go(context.WithoutCancel(ctx), "profile-line-reader", func(context.Context) {
			line, err := r.in.ReadString('\n')
			ch <- lineResult{line: line, err: err}
		})
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		r.mu.Lock()
		r.inflight = nil
		r.mu.Unlock()
		return res.line, res.err
	}
}
