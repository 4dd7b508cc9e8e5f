package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/privacyradar/netattrib/internal/config"
	"github.com/privacyradar/netattrib/internal/model"
)

func TestSplitAS(t *testing.T) {
	tests := []struct {
		in         string
		wantNumber string
		wantName   string
	}{
		{"AS15169 Google LLC", "15169", "Google LLC"},
		{"AS13335 Cloudflare, Inc.", "13335", "Cloudflare, Inc."},
		{"", "", ""},
		{"not-an-as-field", "", ""},
	}
	for _, tt := range tests {
		number, name := splitAS(tt.in)
		if number != tt.wantNumber || name != tt.wantName {
			t.Errorf("splitAS(%q) = (%q, %q), want (%q, %q)", tt.in, number, name, tt.wantNumber, tt.wantName)
		}
	}
}

func TestLookupCachesAndCoalesces(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","country":"US","city":"Mountain View","as":"AS15169 Google LLC"}`))
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.GeoAPIBaseURL = srv.URL + "/"
	cfg.GeoRateLimit = time.Millisecond
	s := New(cfg)
	defer s.Close()

	var wg sync.WaitGroup
	results := make([]model.GeoLocationData, 5)
	errsOut := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			results[i], errsOut[i] = s.Lookup(ctx, "8.8.8.8")
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoErrorf(t, errsOut[i], "caller %d", i)
		require.Equal(t, "US", results[i].Country, "caller %d country", i)
		require.Equal(t, "15169", results[i].AS, "caller %d as number", i)
		require.Equal(t, "Google LLC", results[i].ASName, "caller %d as name", i)
	}
	require.EqualValues(t, 1, atomic.LoadInt64(&hits), "expected exactly 1 upstream hit from coalesced+cached callers")
}

func TestLookupNegativeCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.GeoAPIBaseURL = srv.URL + "/"
	cfg.GeoRateLimit = time.Millisecond
	s := New(cfg)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Lookup(ctx, "1.2.3.4"); err == nil {
		t.Fatal("expected error on upstream failure")
	}

	// Second call must hit the cache, not the (still-failing) upstream again
	// in a way that blocks — it should return quickly with the same error.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if _, err := s.Lookup(ctx2, "1.2.3.4"); err == nil {
		t.Fatal("expected cached negative result to still error")
	}
}
