package x402

import (
	"errors"
	"net/http"
	"sync"
)

// errResponseDiscarded is returned to handlers writing after their
// response was replaced by a payment error.
var errResponseDiscarded = errors.New("x402: response discarded")

type opKind int

const (
	opWriteHeader opKind = iota
	opWrite
	opFlush
)

// bufferedOp is one intercepted call on the response writer.
type bufferedOp struct {
	kind   opKind
	status int
	header http.Header // snapshot at WriteHeader time
	data   []byte
}

type bufferState int

const (
	bufferHolding bufferState = iota
	bufferReleased
	bufferDiscarded
)

// bufferedResponseWriter holds every call a handler makes on the response
// until settlement is resolved. release replays them, in order, on the
// underlying writer; discard drops them.
//
// It intentionally implements neither Unwrap nor http.Hijacker: a handler
// must not be able to reach the real connection while payment is pending.
type bufferedResponseWriter struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	header http.Header
	ops    []bufferedOp
	status int
	state  bufferState
}

func newBufferedResponseWriter(w http.ResponseWriter) *bufferedResponseWriter {
	return &bufferedResponseWriter{
		w:      w,
		header: w.Header().Clone(),
	}
}

func (b *bufferedResponseWriter) Header() http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == bufferReleased {
		return b.w.Header()
	}
	return b.header
}

func (b *bufferedResponseWriter) WriteHeader(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case bufferReleased:
		b.w.WriteHeader(status)
		return
	case bufferDiscarded:
		return
	}

	if b.status != 0 {
		// superfluous, like net/http
		return
	}
	if status >= 100 && status < 200 && status != http.StatusSwitchingProtocols {
		// informational: replayed, but the final status is still to come
		b.ops = append(b.ops, bufferedOp{kind: opWriteHeader, status: status, header: b.header.Clone()})
		return
	}
	b.status = status
	b.ops = append(b.ops, bufferedOp{kind: opWriteHeader, status: status, header: b.header.Clone()})
}

func (b *bufferedResponseWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case bufferReleased:
		return b.w.Write(p)
	case bufferDiscarded:
		return 0, errResponseDiscarded
	}

	if b.status == 0 {
		b.status = http.StatusOK
		b.ops = append(b.ops, bufferedOp{kind: opWriteHeader, status: http.StatusOK, header: b.header.Clone()})
	}
	b.ops = append(b.ops, bufferedOp{kind: opWrite, data: append([]byte(nil), p...)})
	return len(p), nil
}

func (b *bufferedResponseWriter) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case bufferReleased:
		if f, ok := b.w.(http.Flusher); ok {
			f.Flush()
		}
		return
	case bufferDiscarded:
		return
	}
	b.ops = append(b.ops, bufferedOp{kind: opFlush})
}

// Status is the status the handler committed to, 200 if it wrote nothing.
func (b *bufferedResponseWriter) Status() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

// release replays the buffered calls on the underlying writer. Headers
// already set on the underlying writer, such as the payment receipt, are
// kept. Later calls pass straight through.
func (b *bufferedResponseWriter) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != bufferHolding {
		return
	}
	b.state = bufferReleased

	if len(b.ops) == 0 {
		copyHeader(b.w.Header(), b.header)
	}

	for _, op := range b.ops {
		switch op.kind {
		case opWriteHeader:
			copyHeader(b.w.Header(), op.header)
			b.w.WriteHeader(op.status)
		case opWrite:
			// the client may have gone away; nothing left to do about it
			_, _ = b.w.Write(op.data)
		case opFlush:
			if f, ok := b.w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
	b.ops = nil
}

// discard drops the buffered calls. Later calls are ignored.
func (b *bufferedResponseWriter) discard() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != bufferHolding {
		return
	}
	b.state = bufferDiscarded
	b.ops = nil
}

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
}
