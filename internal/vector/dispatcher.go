// Package vector ships finalized decisions to the similarity index as a
// fire-and-forget side effect. The dispatcher owns a bounded queue and a
// single worker; a full queue or a dead index drops records with a metric,
// never applies backpressure to the analysis path.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fraudguard/riskengine/internal/metrics"
	"github.com/fraudguard/riskengine/internal/risk"
)

// Record is one upsert payload for the similarity index. Fields is an
// allow-listed metadata map; nothing outside BuildRecord ever adds to it.
type Record struct {
	TransactionID string            `json:"transaction_id"`
	Embedding     []float64         `json:"embedding"`
	Fields        map[string]string `json:"fields"`
}

// BuildRecord projects a decision into an index record. The embedding is a
// small fixed vector of normalized numeric features; metadata carries only
// coarse categorical fields, no amounts and no recipient keys.
func BuildRecord(d *risk.RiskDecision, tx *risk.Transaction) *Record {
	sig := d.Signals
	return &Record{
		TransactionID: d.TransactionID,
		Embedding: []float64{
			d.Score,
			boolFeature(sig.KnownRecipient),
			normalizeRatio(sig.AmountDeviationRatio),
			boolFeature(sig.OffHours),
			boolFeature(sig.Weekend),
			normalizeCount(sig.Velocity15m, 10),
			normalizeCount(sig.Velocity60m, 20),
			normalizeAmount(tx.Amount),
		},
		Fields: map[string]string{
			"account_id": d.AccountID,
			"source":     string(d.Source),
			"rule":       string(d.TriggeredRule),
			"category":   tx.Category,
		},
	}
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// normalizeRatio squashes the unbounded deviation ratio into [0,1), saturating
// around 20x typical.
func normalizeRatio(r float64) float64 {
	if r <= 0 {
		return 0
	}
	return r / (r + 20)
}

func normalizeCount(n, scale int) float64 {
	if n <= 0 {
		return 0
	}
	v := float64(n) / float64(scale)
	return math.Min(v, 1)
}

// normalizeAmount maps dollar amounts to [0,1) on a log scale so $10 and
// $10,000 stay distinguishable.
func normalizeAmount(amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	return math.Log1p(amount) / (math.Log1p(amount) + 8)
}

// Dispatcher queues records and upserts them to the index from one worker
// goroutine.
type Dispatcher struct {
	indexURL    string
	httpClient  *http.Client
	queue       chan *Record
	maxAttempts int
	logger      *slog.Logger

	mu        sync.RWMutex
	stopped   bool
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client (for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = hc }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher for the given index URL. queueSize bounds
// the backlog; maxAttempts bounds per-record delivery attempts.
func NewDispatcher(indexURL string, queueSize, maxAttempts int, opts ...Option) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	d := &Dispatcher{
		indexURL:    indexURL,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		queue:       make(chan *Record, queueSize),
		maxAttempts: maxAttempts,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker. Safe to call once; subsequent calls are no-ops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.started.Store(true)
		go d.run(ctx)
	})
}

// Enqueue queues a record without blocking. When the queue is full, or the
// dispatcher has been stopped, the record is dropped and counted; the caller
// never waits. Late decision hooks racing a shutdown land here, so the
// stopped check must come before any channel send.
func (d *Dispatcher) Enqueue(r *Record) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		metrics.VectorUpsertsTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("dispatcher stopped, record dropped",
			"transaction_id", r.TransactionID)
		return
	}

	select {
	case d.queue <- r:
		metrics.VectorQueueDepth.Set(float64(len(d.queue)))
	default:
		metrics.VectorUpsertsTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("vector queue full, record dropped",
			"transaction_id", r.TransactionID)
	}
}

// Stop drains the queue and waits for the worker to exit. Records still
// queued are delivered; Enqueue calls after Stop drop their records. Safe
// to call on a dispatcher that was never started.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		close(d.queue)
	})
	if d.started.Load() {
		<-d.done
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for r := range d.queue {
		metrics.VectorQueueDepth.Set(float64(len(d.queue)))
		if err := d.upsert(ctx, r); err != nil {
			metrics.VectorUpsertsTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("vector upsert abandoned",
				"transaction_id", r.TransactionID,
				"error", err)
			continue
		}
		metrics.VectorUpsertsTotal.WithLabelValues("ok").Inc()
	}
}

// upsert POSTs one record with bounded retries. Exhausting the attempt budget
// drops the record; the index is an enrichment, not a system of record.
func (d *Dispatcher) upsert(ctx context.Context, r *Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	operation := func() error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			d.indexURL+"/vectors/upsert", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("vector index returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("vector index returned %d", resp.StatusCode))
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(newUpsertBackoff(), uint64(d.maxAttempts-1)), ctx)
	return backoff.Retry(operation, bo)
}

func newUpsertBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second
	return bo
}
