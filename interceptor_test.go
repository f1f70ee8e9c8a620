package x402

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBufferedResponseWriter_HoldsUntilRelease(t *testing.T) {
	rec := httptest.NewRecorder()
	b := newBufferedResponseWriter(rec)

	b.Header().Set("Content-Type", "text/plain")
	b.WriteHeader(http.StatusCreated)
	b.Write([]byte("hello "))
	b.Flush()
	b.Write([]byte("world"))

	if rec.Body.Len() != 0 || rec.Flushed {
		t.Fatal("nothing should reach the client before release")
	}
	if rec.Header().Get("Content-Type") != "" {
		t.Fatal("headers should be held")
	}
	if b.Status() != http.StatusCreated {
		t.Errorf("expected held status 201, got %d", b.Status())
	}

	rec.Header().Set("X-PAYMENT-RESPONSE", "receipt")
	b.release()

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
	if rec.Body.String() != "hello world" {
		t.Errorf("expected replayed body, got %q", rec.Body.String())
	}
	if !rec.Flushed {
		t.Error("expected flush to be replayed")
	}
	if rec.Header().Get("Content-Type") != "text/plain" {
		t.Error("expected handler header on release")
	}
	if rec.Header().Get("X-PAYMENT-RESPONSE") != "receipt" {
		t.Error("release must keep headers set on the underlying writer")
	}

	// after release writes pass through
	b.Write([]byte("!"))
	if rec.Body.String() != "hello world!" {
		t.Errorf("expected pass-through write, got %q", rec.Body.String())
	}
}

func TestBufferedResponseWriter_ImplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	b := newBufferedResponseWriter(rec)

	if b.Status() != http.StatusOK {
		t.Errorf("expected 200 before any write, got %d", b.Status())
	}

	b.Write([]byte("body"))
	b.WriteHeader(http.StatusTeapot)

	if b.Status() != http.StatusOK {
		t.Errorf("a write commits status 200, got %d", b.Status())
	}

	b.release()
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

// statusLog records every status written, passing only final ones to the
// recorder, which does not understand informational responses.
type statusLog struct {
	*httptest.ResponseRecorder
	statuses []int
}

func (s *statusLog) WriteHeader(status int) {
	s.statuses = append(s.statuses, status)
	if status >= 200 {
		s.ResponseRecorder.WriteHeader(status)
	}
}

func TestBufferedResponseWriter_InformationalStatus(t *testing.T) {
	log := &statusLog{ResponseRecorder: httptest.NewRecorder()}
	b := newBufferedResponseWriter(log)

	b.Header().Set("Link", "</style.css>; rel=preload")
	b.WriteHeader(http.StatusEarlyHints)
	b.WriteHeader(http.StatusNotFound)
	b.Write([]byte("not found"))

	if b.Status() != http.StatusNotFound {
		t.Fatalf("expected final status 404, got %d", b.Status())
	}

	b.release()
	if len(log.statuses) != 2 || log.statuses[0] != http.StatusEarlyHints || log.statuses[1] != http.StatusNotFound {
		t.Errorf("expected 103 then 404, got %v", log.statuses)
	}
	if log.Code != http.StatusNotFound || log.Body.String() != "not found" {
		t.Errorf("unexpected response %d %q", log.Code, log.Body.String())
	}
}

func TestBufferedResponseWriter_InformationalThenWrite(t *testing.T) {
	b := newBufferedResponseWriter(httptest.NewRecorder())

	b.WriteHeader(http.StatusEarlyHints)
	b.Write([]byte("ok"))

	if b.Status() != http.StatusOK {
		t.Errorf("expected implicit 200 after early hints, got %d", b.Status())
	}
}

func TestBufferedResponseWriter_HeaderSnapshot(t *testing.T) {
	rec := httptest.NewRecorder()
	b := newBufferedResponseWriter(rec)

	b.Header().Set("X-Before", "1")
	b.WriteHeader(http.StatusOK)
	b.Header().Set("X-After", "1")
	b.release()

	if rec.Header().Get("X-Before") != "1" {
		t.Error("expected header set before WriteHeader")
	}
	if rec.Header().Get("X-After") != "" {
		t.Error("headers set after WriteHeader must not be sent")
	}
}

func TestBufferedResponseWriter_Discard(t *testing.T) {
	rec := httptest.NewRecorder()
	b := newBufferedResponseWriter(rec)

	b.Header().Set("X-Secret", "1")
	b.Write([]byte("secret"))
	b.discard()

	n, err := b.Write([]byte("more"))
	if n != 0 || !errors.Is(err, errResponseDiscarded) {
		t.Errorf("expected discarded write, got %d, %v", n, err)
	}

	b.release()

	if rec.Body.Len() != 0 {
		t.Errorf("expected nothing written, got %q", rec.Body.String())
	}
	if rec.Header().Get("X-Secret") != "" {
		t.Error("discarded headers must not be sent")
	}
}

func TestBufferedResponseWriter_NoHijack(t *testing.T) {
	var w http.ResponseWriter = newBufferedResponseWriter(httptest.NewRecorder())

	if _, ok := w.(http.Hijacker); ok {
		t.Error("buffered writer must not expose the connection")
	}
	if _, ok := w.(interface{ Unwrap() http.ResponseWriter }); ok {
		t.Error("buffered writer must not unwrap to the real writer")
	}
}
