package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/go-presence/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorHandler_PanicRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	app := &PresenceApp{
		log: zap.New(core),
	}

	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(panicHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	entries := logs.FilterMessage("panic").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "test panic", entries[0].ContextMap()["error"])
	}
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &PresenceApp{log: zap.NewNop()}

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	handler := app.errorHandler(okHandler)
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func Test_credentialFromRequest(t *testing.T) {
	tcases := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{
			name:  "authorization header",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") },
			want:  "abc",
		},
		{
			name:  "query parameter",
			setup: func(r *http.Request) { r.URL.RawQuery = "token=def" },
			want:  "def",
		},
		{
			name:  "cookie",
			setup: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: "ghi"}) },
			want:  "ghi",
		},
		{
			name: "header wins",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer abc")
				r.URL.RawQuery = "token=def"
			},
			want: "abc",
		},
		{
			name:  "none",
			setup: func(r *http.Request) {},
			want:  "",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tc.setup(req)
			assert.Equal(t, tc.want, credentialFromRequest(req))
		})
	}
}

func Test_authMiddleware(t *testing.T) {
	verifier := &auth.MockVerifier{}
	defer verifier.AssertExpectations(t)
	verifier.On("Verify", mock.Anything, "good").Return(auth.Identity{UserId: "u1"}, nil).Once()
	verifier.On("Verify", mock.Anything, "expired").Return(auth.Identity{}, auth.ErrExpired).Once()
	verifier.On("Verify", mock.Anything, "broken").Return(auth.Identity{}, errors.New("db down")).Once()

	app := &PresenceApp{log: zap.NewNop(), verifier: verifier}

	var got auth.Identity
	next := func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}

	tcases := []struct {
		token string
		code  int
	}{
		{"good", http.StatusOK},
		{"expired", http.StatusUnauthorized},
		{"broken", http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.token, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tc.token)

			app.authMiddleware(next)(rr, req)
			assert.Equal(t, tc.code, rr.Code)
		})
	}

	assert.Equal(t, "u1", got.UserId)
}
