package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitsync/internal/gtfs/gtfstest"
	"transitsync/internal/storage"
)

func TestFetcher_PollOnce(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/vehicles", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(vehicleFeed))
	})
	mux.HandleFunc("/trips", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, db := newTestReconciler(t)
	afterCalls := 0
	f := NewFetcher(r, FetcherConfig{
		VehiclePositionsURL: srv.URL + "/vehicles",
		TripUpdatesURL:      srv.URL + "/trips",
		AfterVehicles: func(ctx context.Context) error {
			afterCalls++
			return nil
		},
	}, gtfstest.Logger())

	err := f.PollOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.Contains(t, err.Error(), "trip_updates")

	assert.Equal(t, 1, afterCalls)
	assert.Equal(t, 2, countRows(t, db, storage.LiveVehicles), "vehicle feed kept despite trip update failure")
}

func TestFetcher_SkipsHookWhenVehiclesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"entity": []}`))
	}))
	defer srv.Close()

	r, _ := newTestReconciler(t)
	called := false
	f := NewFetcher(r, FetcherConfig{
		VehiclePositionsURL: srv.URL,
		AfterVehicles: func(ctx context.Context) error {
			called = true
			return nil
		},
	}, gtfstest.Logger())

	err := f.PollOnce(context.Background())
	var malformed *MalformedFeedError
	require.ErrorAs(t, err, &malformed)
	assert.False(t, called)
}

func TestFetcher_StartStopsOnCancel(t *testing.T) {
	polls := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls <- struct{}{}
		w.Write([]byte(`{"header": {"timestamp": 1}, "entity": []}`))
	}))
	defer srv.Close()

	r, _ := newTestReconciler(t)
	f := NewFetcher(r, FetcherConfig{VehiclePositionsURL: srv.URL, Interval: time.Hour}, gtfstest.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Start(ctx)
		close(done)
	}()

	select {
	case <-polls:
	case <-time.After(5 * time.Second):
		t.Fatal("no poll on start")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fetcher did not stop")
	}
}
