// Package dispatch delivers queued tasks to their webhook targets through a
// bounded worker pool, with HMAC-signed payloads, in-worker exponential
// retry, and deferred re-enqueue when retries exhaust.
package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailhook/mailhook/internal/metrics"
	"github.com/mailhook/mailhook/internal/neterr"
	"github.com/mailhook/mailhook/internal/parser"
	"github.com/mailhook/mailhook/internal/queue"
	"github.com/mailhook/mailhook/internal/router"
	"github.com/mailhook/mailhook/internal/scheduler"
)

const (
	maxAttempts     = 3
	maxAttemptDelay = 10 * time.Second
	userAgent       = "mailhook/1.0"

	headerTimestamp        = "X-Inbound-Email-Timestamp"
	headerSignature        = "X-Inbound-Email-Signature"
	headerSignatureVersion = "X-Inbound-Email-Signature-Version"
)

// ErrQueueFull is returned by Enqueue when the in-memory channel is at
// capacity. The caller translates it into an SMTP 451.
var ErrQueueFull = errors.New("dispatch queue full")

// Options configures a Dispatcher.
type Options struct {
	Queue       *queue.Queue
	Router      *router.Router
	Scheduler   *scheduler.Scheduler
	Logger      *slog.Logger
	Secret      string // empty disables signing
	Timeout     time.Duration
	Concurrency int
	QueueSize   int
	RetryDelay  time.Duration
}

// Dispatcher consumes task ids and posts parsed emails to webhooks.
type Dispatcher struct {
	queue      *queue.Queue
	router     *router.Router
	sched      *scheduler.Scheduler
	log        *slog.Logger
	client     *http.Client
	secret     string
	retryDelay time.Duration

	ids     chan string
	pending atomic.Int64
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// result is the per-target outcome of one delivery attempt.
type result struct {
	target  router.Target
	status  int
	success bool
	err     string
}

// New builds the dispatcher and starts its workers.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		queue:      opts.Queue,
		router:     opts.Router,
		sched:      opts.Scheduler,
		log:        opts.Logger,
		client:     &http.Client{Timeout: opts.Timeout},
		secret:     opts.Secret,
		retryDelay: opts.RetryDelay,
		ids:        make(chan string, opts.QueueSize),
	}

	for i := 0; i < opts.Concurrency; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Enqueue hands a task id to the pool without blocking. A full channel is the
// caller's backpressure signal.
func (d *Dispatcher) Enqueue(id string) error {
	select {
	case d.ids <- id:
		d.pending.Add(1)
		metrics.TasksPending.Set(float64(d.pending.Load()))
		return nil
	default:
		return ErrQueueFull
	}
}

// Full reports whether intake is at capacity. The SMTP layer checks this at
// DATA time to shed load before parsing.
func (d *Dispatcher) Full() bool {
	return len(d.ids) == cap(d.ids)
}

// Replay pushes every persisted task back into the pool. Called once at
// startup; tasks that do not fit are left in the durable queue for the next
// start.
func (d *Dispatcher) Replay() {
	ids, err := d.queue.ListIDs()
	if err != nil {
		d.log.Error("failed to list tasks for replay", slog.String("error", err.Error()))
		return
	}

	replayed := 0
	for _, id := range ids {
		if err := d.Enqueue(id); err != nil {
			d.log.Warn("replay stopped, dispatch queue full",
				slog.Int("replayed", replayed),
				slog.Int("remaining", len(ids)-replayed))
			return
		}
		replayed++
	}

	if replayed > 0 {
		d.log.Info("replayed persisted tasks", slog.Int("count", replayed))
	}
}

// Pending reports tasks enqueued or in flight. The shutdown path polls this.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

// Close stops intake and waits for in-flight work to finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.ids)
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for id := range d.ids {
		d.process(id)
		d.pending.Add(-1)
		metrics.TasksPending.Set(float64(d.pending.Load()))
	}
}

// process runs the full delivery protocol for one task: route, restrict to
// any previously failed subset, deliver with in-worker retries, and either
// remove the task or persist its failure state and defer a re-enqueue.
func (d *Dispatcher) process(id string) {
	task, err := d.queue.Get(id)
	if err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			return
		}
		d.log.Error("failed to load task", slog.String("task", id), slog.String("error", err.Error()))
		return
	}

	if task.Parsed == nil {
		d.log.Error("task has no parsed email, removing",
			slog.String("task", id))
		if err := d.queue.Remove(id); err != nil {
			d.log.Error("failed to remove task", slog.String("task", id), slog.String("error", err.Error()))
		}
		return
	}

	targets := d.router.Route(task.Parsed)
	if len(targets) == 0 {
		d.log.Error("no webhook targets for task, leaving in queue",
			slog.String("task", id))
		return
	}

	if len(task.FailedWebhooks) > 0 {
		targets = restrictTargets(targets, task.FailedWebhooks)
		if len(targets) == 0 {
			d.log.Info("previously failed webhooks no longer routed, removing task",
				slog.String("task", id))
			if err := d.queue.Remove(id); err != nil {
				d.log.Error("failed to remove task", slog.String("task", id), slog.String("error", err.Error()))
			}
			return
		}
	}

	var lastError string
	attempt := 0
	for attempt < maxAttempts {
		attempt++

		results := d.deliverAll(targets, task.Parsed)
		targets, lastError = failedTargets(results)

		if len(targets) == 0 {
			if err := d.queue.Remove(id); err != nil {
				d.log.Error("failed to remove delivered task",
					slog.String("task", id), slog.String("error", err.Error()))
			}
			return
		}

		if attempt < maxAttempts {
			metrics.TaskRetriesTotal.Inc()
			time.Sleep(attemptDelay(attempt))
		}
	}

	// In-worker retries exhausted: persist the failed subset and come back
	// after the configured delay.
	failed := make([]string, 0, len(targets))
	for _, t := range targets {
		failed = append(failed, t.URL)
	}

	err = d.queue.Update(id, func(t *queue.Task) {
		t.FailedWebhooks = failed
		t.LastError = lastError
		t.Attempts += attempt
	})
	if err != nil {
		d.log.Error("failed to persist task failure state",
			slog.String("task", id), slog.String("error", err.Error()))
		return
	}

	d.log.Warn("webhook delivery exhausted in-worker retries, deferring",
		slog.String("task", id),
		slog.Int("failed", len(failed)),
		slog.Duration("delay", d.retryDelay))

	d.sched.After(d.retryDelay, func() {
		if err := d.Enqueue(id); err != nil {
			d.log.Error("deferred re-enqueue failed, task stays in durable queue",
				slog.String("task", id), slog.String("error", err.Error()))
		}
	})
}

// deliverAll posts the email to every target and collects per-target
// outcomes.
func (d *Dispatcher) deliverAll(targets []router.Target, email *parser.ParsedEmail) []result {
	results := make([]result, 0, len(targets))
	for _, target := range targets {
		results = append(results, d.deliver(target, email))
	}
	return results
}

// deliver posts one signed request. Any non-2xx response or transport error
// is a failure.
func (d *Dispatcher) deliver(target router.Target, email *parser.ParsedEmail) result {
	res := result{target: target}

	body, err := encodeBody(email, target)
	if err != nil {
		res.err = err.Error()
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		return res
	}

	req, err := http.NewRequest(http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		res.err = err.Error()
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		return res
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if d.secret != "" {
		signRequest(req, body, d.secret, time.Now())
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	metrics.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		res.err = err.Error()
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		level := slog.LevelError
		if neterr.Recoverable(err) {
			level = slog.LevelWarn
		}
		d.log.Log(context.Background(), level, "webhook request failed",
			slog.String("webhook", target.URL),
			slog.String("rule", target.RuleName),
			slog.String("error", err.Error()))
		return res
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	res.status = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.success = true
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		d.log.Info("webhook delivered",
			slog.String("webhook", target.URL),
			slog.String("rule", target.RuleName),
			slog.Int("status", resp.StatusCode))
		return res
	}

	res.err = fmt.Sprintf("webhook responded with status %d", resp.StatusCode)
	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	d.log.Warn("webhook rejected delivery",
		slog.String("webhook", target.URL),
		slog.String("rule", target.RuleName),
		slog.Int("status", resp.StatusCode))
	return res
}

// encodeBody merges the email JSON with the per-target _webhookMeta block.
func encodeBody(email *parser.ParsedEmail, target router.Target) ([]byte, error) {
	encoded, err := json.Marshal(email)
	if err != nil {
		return nil, fmt.Errorf("failed to encode email: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode email: %w", err)
	}

	doc["_webhookMeta"] = map[string]any{
		"webhook":  target.URL,
		"ruleName": target.RuleName,
		"priority": target.Priority,
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return body, nil
}

// signRequest attaches the signature triple. The MAC covers
// "<millis>.<payload>" so consumers can reject stale replays.
func signRequest(req *http.Request, body []byte, secret string, now time.Time) {
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)

	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerSignature, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set(headerSignatureVersion, "v1")
}

// restrictTargets keeps only targets whose URL is in the previously failed
// set.
func restrictTargets(targets []router.Target, failed []string) []router.Target {
	failedSet := make(map[string]bool, len(failed))
	for _, url := range failed {
		failedSet[url] = true
	}

	var kept []router.Target
	for _, t := range targets {
		if failedSet[t.URL] {
			kept = append(kept, t)
		}
	}
	return kept
}

// failedTargets extracts the targets to retry and the last error message.
func failedTargets(results []result) ([]router.Target, string) {
	var failed []router.Target
	var lastError string
	for _, r := range results {
		if r.success {
			continue
		}
		failed = append(failed, r.target)
		if r.err != "" {
			lastError = r.err
		}
	}
	return failed, lastError
}

// attemptDelay is the backoff before attempt n+1: 1s, 2s, 4s... capped.
func attemptDelay(attempt int) time.Duration {
	delay := time.Second << (attempt - 1)
	if delay > maxAttemptDelay {
		delay = maxAttemptDelay
	}
	return delay
}
