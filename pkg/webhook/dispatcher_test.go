package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenancelab/vidproof/pkg/infrastructure/logging"
)

func TestDispatcher_OrderedDelivery(t *testing.T) {
	var mu sync.Mutex
	var received []Event

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(2*time.Second, 1, logging.Nop())
	jobID := uuid.New()

	d.Notify(jobID, server.URL, NewEvent(EventUploadCompleted, jobID, nil))
	d.Notify(jobID, server.URL, NewEvent(EventStarted, jobID, nil))
	d.Notify(jobID, server.URL, NewEvent(EventStepStarted, jobID, StepData{Step: "prnu", Progress: 25}))
	d.Notify(jobID, server.URL, NewEvent(EventCompleted, jobID, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 4)
	assert.Equal(t, EventUploadCompleted, received[0].Event)
	assert.Equal(t, EventStarted, received[1].Event)
	assert.Equal(t, EventStepStarted, received[2].Event)
	assert.Equal(t, EventCompleted, received[3].Event)

	for _, ev := range received {
		assert.Equal(t, jobID.String(), ev.AnalysisID)
		_, err := time.Parse(time.RFC3339, ev.Timestamp)
		assert.NoError(t, err)
	}
}

func TestDispatcher_RetriesFlakyEndpoint(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	delivered := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		fail := attempts == 1
		if !fail {
			delivered++
		}
		mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(2*time.Second, 3, logging.Nop())
	jobID := uuid.New()
	d.Notify(jobID, server.URL, NewEvent(EventCompleted, jobID, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, delivered)
}

func TestDispatcher_RetriesRejectedDelivery(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	delivered := 0

	// Plain 4xx answers count as undelivered too, not just 429/5xx.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		fail := attempts == 1
		if !fail {
			delivered++
		}
		mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(2*time.Second, 3, logging.Nop())
	jobID := uuid.New()
	d.Notify(jobID, server.URL, NewEvent(EventCompleted, jobID, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, delivered)
}

func TestDispatcher_CloseUnblocksPendingNotify(t *testing.T) {
	firstRequest := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case firstRequest <- struct{}{}:
		default:
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(30*time.Second, 1, logging.Nop())
	jobID := uuid.New()

	// One event occupies the sender, the rest fill the queue exactly.
	d.Notify(jobID, server.URL, NewEvent(EventStepStarted, jobID, nil))
	<-firstRequest
	for i := 0; i < queueDepth; i++ {
		d.Notify(jobID, server.URL, NewEvent(EventStepStarted, jobID, nil))
	}

	parked := make(chan struct{})
	go func() {
		defer close(parked)
		d.Notify(jobID, server.URL, NewEvent(EventStepCompleted, jobID, nil))
	}()
	select {
	case <-parked:
		t.Fatal("notify returned with the queue full")
	case <-time.After(100 * time.Millisecond):
	}

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		closed <- d.Close(ctx)
	}()

	// Shutdown must release the parked Notify even though the sender is
	// still stuck in a delivery.
	select {
	case <-parked:
	case <-time.After(5 * time.Second):
		t.Fatal("notify still parked after close")
	}

	close(release)
	require.NoError(t, <-closed)
}

func TestDispatcher_NoURLIsNoop(t *testing.T) {
	d := NewDispatcher(time.Second, 1, logging.Nop())
	jobID := uuid.New()

	d.Notify(jobID, "", NewEvent(EventStarted, jobID, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestDispatcher_ExhaustedRetriesDropEvent(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewDispatcher(time.Second, 2, logging.Nop())
	jobID := uuid.New()
	d.Notify(jobID, server.URL, NewEvent(EventFailed, jobID, map[string]string{"error": "boom"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}
