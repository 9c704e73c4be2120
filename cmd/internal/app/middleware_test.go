package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestWithRequestLoggingPassthrough(t *testing.T) {
	t.Parallel()

	handler := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), discardLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if got := rec.Body.String(); got != "short and stout" {
		t.Fatalf("body = %q", got)
	}
}

func TestLoggingResponseWriterCapturesStatus(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rec, status: http.StatusOK}

	lrw.WriteHeader(http.StatusNotFound)
	n, err := lrw.Write([]byte("nope"))
	if err != nil || n != 4 {
		t.Fatalf("Write = (%d, %v)", n, err)
	}
	if lrw.status != http.StatusNotFound {
		t.Fatalf("captured status = %d, want 404", lrw.status)
	}
	if lrw.bytes != 4 {
		t.Fatalf("captured bytes = %d, want 4", lrw.bytes)
	}
}

func TestLoggingResponseWriterUnwrap(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rec}

	// The websocket upgrade path walks Unwrap to find the hijackable writer.
	if lrw.Unwrap() != http.ResponseWriter(rec) {
		t.Fatal("Unwrap did not return the wrapped writer")
	}

	// Hijack on a non-hijackable writer reports an error instead of panicking.
	if _, _, err := lrw.Hijack(); err == nil {
		t.Fatal("Hijack on a recorder should fail")
	}

	// Flush must not panic regardless of the underlying writer.
	lrw.Flush()
}
