// Package webhook delivers progress notifications to the callback URL a
// job was submitted with. Delivery is at-least-once and ordered per job:
// every job gets a dedicated queue drained by one sender goroutine, and
// each event is retried with exponential backoff before being dropped.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Event names emitted over the lifetime of a job.
const (
	EventUploadCompleted = "analysis.upload.completed"
	EventStarted         = "analysis.started"
	EventStepStarted     = "analysis.step.started"
	EventStepCompleted   = "analysis.step.completed"
	EventCompleted       = "analysis.completed"
	EventFailed          = "analysis.failed"
)

// Event is the delivery envelope posted to the callback URL.
type Event struct {
	Event      string      `json:"event"`
	AnalysisID string      `json:"analysis_id"`
	Timestamp  string      `json:"timestamp"`
	Data       interface{} `json:"data,omitempty"`
}

// NewEvent stamps an envelope with the current UTC time.
func NewEvent(name string, jobID uuid.UUID, data interface{}) Event {
	return Event{
		Event:      name,
		AnalysisID: jobID.String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Data:       data,
	}
}

// StepData is the payload of step-level events.
type StepData struct {
	Step           string      `json:"step"`
	CurrentStep    string      `json:"current_step,omitempty"`
	CompletedSteps []string    `json:"completed_steps,omitempty"`
	PendingSteps   []string    `json:"pending_steps,omitempty"`
	Progress       float64     `json:"progress"`
	Statistics     interface{} `json:"statistics,omitempty"`
}

const queueDepth = 64

// Dispatcher fans events out to per-job sender goroutines. A terminal
// event (analysis.completed, analysis.failed) retires the job's queue
// after delivery.
type Dispatcher struct {
	client *retryablehttp.Client
	log    zerolog.Logger

	mu     sync.Mutex
	queues map[uuid.UUID]chan delivery
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type delivery struct {
	url   string
	event Event
}

// NewDispatcher builds the dispatcher. timeout bounds each HTTP attempt;
// attempts is the total number of tries per event, with 2^n seconds of
// backoff between them.
func NewDispatcher(timeout time.Duration, attempts int, log zerolog.Logger) *Dispatcher {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.RetryMax = attempts - 1
	client.Logger = nil
	client.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return time.Duration(1<<attemptNum) * time.Second
	}
	// Any non-2xx answer counts as undelivered, not just 429/5xx.
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		return resp.StatusCode >= 300, nil
	}

	return &Dispatcher{
		client: client,
		log:    log.With().Str("component", "webhook").Logger(),
		queues: make(map[uuid.UUID]chan delivery),
		done:   make(chan struct{}),
	}
}

// Notify queues one event for the job. A job without a callback URL is a
// no-op. Events for the same job are delivered in the order they were
// queued; Notify blocks only when the job's queue is full.
func (d *Dispatcher) Notify(jobID uuid.UUID, url string, event Event) {
	if url == "" {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[jobID]
	if !ok {
		q = make(chan delivery, queueDepth)
		d.queues[jobID] = q
		d.wg.Add(1)
		go d.drain(jobID, q)
	}
	d.mu.Unlock()

	select {
	case q <- delivery{url: url, event: event}:
	case <-d.done:
	}
}

// drain delivers the job's events one at a time, preserving order. The
// goroutine exits after a terminal event or at shutdown, flushing
// whatever is still queued on the way out.
func (d *Dispatcher) drain(jobID uuid.UUID, q chan delivery) {
	defer d.wg.Done()
	for {
		select {
		case del := <-q:
			d.send(del)
			if del.event.Event == EventCompleted || del.event.Event == EventFailed {
				d.retire(jobID, q)
				return
			}
		case <-d.done:
			d.flush(q)
			return
		}
	}
}

// retire removes the job's queue and flushes anything queued behind the
// terminal event.
func (d *Dispatcher) retire(jobID uuid.UUID, q chan delivery) {
	d.mu.Lock()
	if d.queues[jobID] == q {
		delete(d.queues, jobID)
	}
	d.mu.Unlock()

	d.flush(q)
}

// flush delivers what is already queued without waiting for more.
func (d *Dispatcher) flush(q chan delivery) {
	for {
		select {
		case del := <-q:
			d.send(del)
		default:
			return
		}
	}
}

// send posts one event, retrying inside the client. A delivery that
// exhausts its retries is logged and dropped; it never fails the job.
func (d *Dispatcher) send(del delivery) {
	body, err := json.Marshal(del.event)
	if err != nil {
		d.log.Error().Err(err).Str("event", del.event.Event).Msg("failed to encode webhook event")
		return
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, del.url, bytes.NewReader(body))
	if err != nil {
		d.log.Error().Err(err).Str("url", del.url).Msg("failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn().
			Err(err).
			Str("event", del.event.Event).
			Str("analysis_id", del.event.AnalysisID).
			Msg("webhook delivery failed, event dropped")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.log.Warn().
			Int("status", resp.StatusCode).
			Str("event", del.event.Event).
			Str("analysis_id", del.event.AnalysisID).
			Msg("webhook endpoint rejected event")
		return
	}

	d.log.Debug().
		Str("event", del.event.Event).
		Str("analysis_id", del.event.AnalysisID).
		Msg("webhook delivered")
}

// Close stops accepting events, flushes queued deliveries and waits for
// in-flight ones up to the context deadline. The queues themselves are
// never closed: a Notify racing Close parks on the done signal instead
// of panicking on a closed channel.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("webhook dispatcher shutdown: %w", ctx.Err())
	}
}
