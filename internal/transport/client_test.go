package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testOptions() Options {
	return Options{
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		BackoffBase:    time.Millisecond,
		RequestsPerSec: 1000,
	}
}

func TestGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "FleetPulse-Collector/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClient(testOptions(), zap.NewNop())

	resp, err := client.Get(context.Background(), srv.URL, map[string]string{"X-API-Key": "secret"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, resp.JSON(&body))
	assert.True(t, body.OK)
}

func TestNon2xxIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(testOptions(), zap.NewNop())

	_, err := client.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, "boom", statusErr.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRateLimitedRetriesThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(testOptions(), zap.NewNop())

	_, err := client.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRateLimitedRecovers(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(testOptions(), zap.NewNop())

	resp, err := client.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestUnauthorizedInvokesHookOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var hookCalls int32
	opts := testOptions()
	opts.OnAuthError = func(ctx context.Context) error {
		atomic.AddInt32(&hookCalls, 1)
		return nil
	}
	client := NewClient(opts, zap.NewNop())

	resp, err := client.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hookCalls))
}

func TestUnauthorizedTwiceFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	var hookCalls int32
	opts := testOptions()
	opts.OnAuthError = func(ctx context.Context) error {
		atomic.AddInt32(&hookCalls, 1)
		return nil
	}
	client := NewClient(opts, zap.NewNop())

	_, err := client.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hookCalls), "hook must fire at most once per request")
}

func TestUnauthorizedWithoutHookFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(testOptions(), zap.NewNop())

	_, err := client.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAuthHeadersReevaluatedOnReplay(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer tok2" {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	token := "tok1"
	var mu sync.Mutex

	opts := testOptions()
	opts.AuthHeaders = func() map[string]string {
		mu.Lock()
		defer mu.Unlock()
		return map[string]string{"Authorization": "Bearer " + token}
	}
	opts.OnAuthError = func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		token = "tok2"
		return nil
	}
	client := NewClient(opts, zap.NewNop())

	resp, err := client.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "replay must carry the refreshed token")
}

func TestPostMarshalsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewClient(testOptions(), zap.NewNop())

	resp, err := client.Post(context.Background(), srv.URL, map[string]string{"name": "office-3f"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}
