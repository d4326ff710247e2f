package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/u2sebau2/librechat-custom-sub004/internal/reqcontext"
)

func TestRequestIDMiddleware(t *testing.T) {
	var gotID, gotUser string
	var gotSource reqcontext.RequestSource
	handler := RequestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotID = reqcontext.GetRequestID(r.Context())
		gotUser = reqcontext.GetUserID(r.Context())
		gotSource = reqcontext.GetRequestSource(r.Context())
	}))

	t.Run("keeps valid client ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(reqcontext.RequestIDHeader, "client-id-1")
		req.Header.Set(reqcontext.UserIDHeader, "alice")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, "client-id-1", gotID)
		assert.Equal(t, "client-id-1", w.Header().Get(reqcontext.RequestIDHeader))
		assert.Equal(t, "alice", gotUser)
		assert.Equal(t, reqcontext.SourceRESTAPI, gotSource)
	})

	t.Run("replaces invalid client ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(reqcontext.RequestIDHeader, strings.Repeat("x", reqcontext.MaxRequestIDLength+1))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.NotEmpty(t, gotID)
		assert.LessOrEqual(t, len(gotID), reqcontext.MaxRequestIDLength)
		assert.Equal(t, gotID, w.Header().Get(reqcontext.RequestIDHeader))
		assert.Empty(t, gotUser)
	})
}

func TestRequestLoggerMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := RequestIDMiddleware(RequestLoggerMiddleware(zap.New(core))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			GetLogger(r.Context()).Info("inside handler")
			w.WriteHeader(http.StatusTeapot)
		})))

	req := httptest.NewRequest(http.MethodGet, "/brew", nil)
	req.Header.Set(reqcontext.RequestIDHeader, "req-7")
	req.Header.Set(reqcontext.UserIDHeader, "bob")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	inside := logs.FilterMessage("inside handler").All()
	if assert.Len(t, inside, 1) {
		fields := inside[0].ContextMap()
		assert.Equal(t, "req-7", fields["request_id"])
		assert.Equal(t, "bob", fields["user_id"])
	}

	done := logs.FilterMessage("HTTP API request").All()
	if assert.Len(t, done, 1) {
		assert.Equal(t, int64(http.StatusTeapot), done[0].ContextMap()["status"])
		assert.Equal(t, "/brew", done[0].ContextMap()["path"])
	}
}

func TestGetLoggerDefaultsToNop(t *testing.T) {
	assert.NotNil(t, GetLogger(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}
