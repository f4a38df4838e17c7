package access

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiyuyi/visusgo/block"
)

func TestRemoteAccessReadBlock(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Compression", "raw")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte{1, 2, 3})
	}))
	defer srv.Close()

	ra := NewRemoteAccess(srv.URL, "ds", []int{16}, srv.Client())
	got, err := ra.ReadBlock(context.Background(), block.New(u8Field(t, "data"), 0, 0, 16))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got.Buf)
	require.False(t, got.WasHole)
}

func TestRemoteAccessReadBlockNotFoundIsHole(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ra := NewRemoteAccess(srv.URL, "ds", []int{16}, srv.Client())
	got, err := ra.ReadBlock(context.Background(), block.New(u8Field(t, "data"), 0, 0, 16))
	require.NoError(t, err)
	require.True(t, got.WasHole)
}

func TestRemoteAccessCoalescesConcurrentReads(t *testing.T) {
	t.Parallel()

	const n = 8
	var hits int64
	release := make(chan struct{})
	entered := make(chan struct{}, n)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		entered <- struct{}{}
		<-release
		w.Header().Set("X-Compression", "raw")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte{42})
	}))
	defer srv.Close()

	ra := NewRemoteAccess(srv.URL, "ds", []int{16}, srv.Client())
	field := u8Field(t, "data")

	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, err := ra.ReadBlock(context.Background(), block.New(field, 0, 0, 16))
			require.NoError(t, err)
		}()
	}

	// Wait for at least one request to reach the handler, then give the
	// rest of the goroutines a chance to pile up behind singleflight
	// before releasing the in-flight call.
	<-entered
	close(release)
	for i := 0; i < n; i++ {
		<-done
	}

	require.Less(t, atomic.LoadInt64(&hits), int64(n), "singleflight should have coalesced at least one request")
}

func TestRemoteAccessWriteBlock(t *testing.T) {
	t.Parallel()

	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ra := NewRemoteAccess(srv.URL, "ds", []int{16}, srv.Client())
	q := block.New(u8Field(t, "data"), 0, 0, 16)
	q.Buf = []byte{9, 8, 7}
	require.NoError(t, ra.WriteBlock(context.Background(), q))
	require.Equal(t, []byte{9, 8, 7}, body)
}

func TestRemoteAccessWriteBlockForbiddenMeansReadOnly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ra := NewRemoteAccess(srv.URL, "ds", []int{16}, srv.Client())
	q := block.New(u8Field(t, "data"), 0, 0, 16)
	err := ra.WriteBlock(context.Background(), q)
	require.Error(t, err)
}
