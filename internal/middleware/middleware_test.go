package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"patchd/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*logging.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &logging.Logger{Logger: zap.New(core)}, logs
}

func TestChain_LogsRequestAndSnapshot(t *testing.T) {
	logger, logs := observed()
	h := Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("hello"))
		}),
		Snapshot(func() string { return "snap-1" }),
		Logger(logger),
		RequestID,
	)

	req := httptest.NewRequest("GET", "/api/v1/checksum0?x=1", nil)
	req.Header.Set("X-Request-ID", "req-9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "snap-1", rec.Header().Get(SnapshotHeader))
	assert.Equal(t, "req-9", rec.Header().Get("X-Request-ID"))

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-9", fields["request_id"])
	assert.Equal(t, "snap-1", fields["snapshot"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
	assert.Equal(t, int64(5), fields["bytes"])
	assert.Equal(t, "x=1", fields["query"])
}

func TestSnapshot_NoneYet(t *testing.T) {
	h := Snapshot(func() string { return "" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Empty(t, rec.Header().Get(SnapshotHeader))
}

func TestLogger_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		msg    string
		level  zapcore.Level
	}{
		{http.StatusOK, "request completed", zapcore.InfoLevel},
		{http.StatusNotFound, "request rejected", zapcore.WarnLevel},
		{http.StatusServiceUnavailable, "request failed", zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			logger, logs := observed()
			h := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, tt.msg, entry.Message)
			assert.Equal(t, tt.level, entry.Level)
		})
	}
}

func TestRecover(t *testing.T) {
	logger, logs := observed()
	h := Recover(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}
