package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// httptest requests come from 192.0.2.1
	const key = "ratelimit:192.0.2.1"

	t.Run("first request starts the window", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		mock.ExpectIncr(key).SetVal(1)
		mock.ExpectExpire(key, rateLimitWindow).SetVal(true)

		r := httptest.NewRequest("GET", "/api/portfolio", nil)
		w := httptest.NewRecorder()

		RateLimiter(rdb)(next).ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("request over the limit is rejected", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		mock.ExpectIncr(key).SetVal(maxRequests + 1)

		r := httptest.NewRequest("GET", "/api/portfolio", nil)
		w := httptest.NewRecorder()

		RateLimiter(rdb)(next).ServeHTTP(w, r)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil client lets requests through", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/portfolio", nil)
		w := httptest.NewRecorder()

		RateLimiter(nil)(next).ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("redis failure fails open", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		mock.ExpectIncr(key).SetErr(assert.AnError)

		r := httptest.NewRequest("GET", "/api/portfolio", nil)
		w := httptest.NewRecorder()

		RateLimiter(rdb)(next).ServeHTTP(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Equal(t, "192.0.2.1", ClientIP(r))

	r.RemoteAddr = "10.1.2.3"
	assert.Equal(t, "10.1.2.3", ClientIP(r))
}
