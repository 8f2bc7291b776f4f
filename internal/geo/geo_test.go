package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPLocator_Country(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/203.0.113.7/json", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ip":"203.0.113.7","city":"Berlin","country":"de"}`))
	}))
	defer srv.Close()

	l := NewHTTPLocator(srv.URL+"/%s/json", "secret", time.Second)

	country, err := l.Country(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "DE", country)

	// Second lookup is served from cache.
	country, err = l.Country(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "DE", country)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHTTPLocator_NotRoutable(t *testing.T) {
	l := NewHTTPLocator("http://127.0.0.1:1/%s", "", time.Second)

	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.4", "::1", "fe80::1", "not-an-ip", ""} {
		_, err := l.Country(context.Background(), ip)
		assert.ErrorIs(t, err, ErrNotRoutable, ip)
	}
}

func TestHTTPLocator_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	l := NewHTTPLocator(srv.URL+"/%s", "", time.Second)
	_, err := l.Country(context.Background(), "203.0.113.7")
	assert.Error(t, err)
}

func TestHTTPLocator_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	l := NewHTTPLocator(srv.URL+"/%s", "", 50*time.Millisecond)

	start := time.Now()
	_, err := l.Country(context.Background(), "203.0.113.7")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestNop(t *testing.T) {
	country, err := Nop{}.Country(context.Background(), "203.0.113.7")
	assert.NoError(t, err)
	assert.Empty(t, country)
}
