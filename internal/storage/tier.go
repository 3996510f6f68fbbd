// Package storage is the attachment storage tier: a primary object store,
// an encrypted local-disk fallback, and a reconciler that drains the
// fallback back into the object store.
package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mailhook/mailhook/internal/metrics"
	"github.com/mailhook/mailhook/internal/parser"
	"github.com/mailhook/mailhook/internal/scheduler"
)

// Tier saves attachments with primary-then-fallback semantics.
type Tier struct {
	store ObjectStore // nil when the object store is unconfigured
	local *LocalStore
	sched *scheduler.Scheduler
	log   *slog.Logger

	maxFileSize   int64
	retryInterval time.Duration
	maxRetries    int
	retention     time.Duration

	mu          sync.Mutex
	retrySet    map[string]int // staged path -> upload attempts
	loopHandle  *scheduler.Handle
	loopRunning bool
}

// TierOptions configures the storage tier.
type TierOptions struct {
	Store         ObjectStore // nil disables the primary store
	Local         *LocalStore
	Scheduler     *scheduler.Scheduler
	Logger        *slog.Logger
	MaxFileSize   int64
	RetryInterval time.Duration
	MaxRetries    int
	Retention     time.Duration
}

// NewTier builds the tier and seeds the retry set from files already staged
// on disk, so a restart resumes reconciliation where it left off.
func NewTier(opts TierOptions) *Tier {
	t := &Tier{
		store:         opts.Store,
		local:         opts.Local,
		sched:         opts.Scheduler,
		log:           opts.Logger,
		maxFileSize:   opts.MaxFileSize,
		retryInterval: opts.RetryInterval,
		maxRetries:    opts.MaxRetries,
		retention:     opts.Retention,
		retrySet:      make(map[string]int),
	}

	if pending, err := t.local.Pending(); err == nil {
		t.mu.Lock()
		for _, p := range pending {
			t.retrySet[p.Path] = 0
		}
		depth := len(t.retrySet)
		t.mu.Unlock()
		metrics.LocalFallbackDepth.Set(float64(depth))
		if depth > 0 && t.store != nil {
			t.ensureReconciler()
		}
	}

	return t
}

// StartRetention schedules the hourly sweep of expired staged files.
func (t *Tier) StartRetention() {
	t.sched.Every(time.Hour, func() {
		removed := t.local.Sweep(t.retention)
		if removed > 0 {
			t.log.Info("retention sweep removed expired local attachments",
				slog.Int("removed", removed))
			t.forgetMissing()
		}
	})
}

// Save stores one attachment. A failure in here never propagates as an
// error: the worst case is a Stored record of kind failed.
func (t *Tier) Save(ctx context.Context, att *parser.Attachment) Stored {
	if att.Size > t.maxFileSize {
		metrics.AttachmentStoresTotal.WithLabelValues("skipped").Inc()
		return Stored{Kind: KindSkipped, Reason: SkipReason}
	}

	if t.store != nil {
		url, err := t.store.Put(ctx, ObjectKey(att.Filename, time.Now()), att.Data, att.ContentType)
		if err == nil {
			metrics.AttachmentStoresTotal.WithLabelValues("s3").Inc()
			return Stored{Kind: KindObject, URL: url}
		}
		t.log.Warn("primary store upload failed, falling back to local disk",
			slog.String("filename", att.Filename),
			slog.String("error", err.Error()))
	}

	path, fileID, err := t.local.Save(att)
	if err != nil {
		metrics.AttachmentStoresTotal.WithLabelValues("failed").Inc()
		t.log.Error("local fallback write failed, attachment lost",
			slog.String("filename", att.Filename),
			slog.String("error", err.Error()))
		return Stored{Kind: KindFailed, Err: err}
	}

	metrics.AttachmentStoresTotal.WithLabelValues("local").Inc()
	t.trackForRetry(path)

	return Stored{
		Kind:         KindLocal,
		Path:         path,
		AttachmentID: fileID,
		Note:         LocalNote,
	}
}

// Read loads a staged attachment back from disk (decrypting as needed).
func (t *Tier) Read(path string) (*LocalFile, error) {
	return t.local.Read(path)
}

// trackForRetry adds a staged path to the retry set and makes sure the
// reconciler loop is running.
func (t *Tier) trackForRetry(path string) {
	t.mu.Lock()
	t.retrySet[path] = 0
	depth := len(t.retrySet)
	t.mu.Unlock()
	metrics.LocalFallbackDepth.Set(float64(depth))

	if t.store != nil {
		t.ensureReconciler()
	}
}

// ensureReconciler starts the drain loop if it is not already running.
func (t *Tier) ensureReconciler() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loopRunning {
		return
	}
	t.loopRunning = true
	t.loopHandle = t.sched.Every(t.retryInterval, t.reconcile)
	t.log.Info("attachment reconciler started",
		slog.Duration("interval", t.retryInterval))
}

// reconcile drains the retry set: each staged file is re-read from disk,
// uploaded, and unlinked on success. Content is never held in memory between
// passes. When the set empties the loop stops itself.
func (t *Tier) reconcile() {
	t.mu.Lock()
	paths := make([]string, 0, len(t.retrySet))
	for path := range t.retrySet {
		paths = append(paths, path)
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, path := range paths {
		t.reconcileOne(ctx, path)
	}

	t.mu.Lock()
	depth := len(t.retrySet)
	if depth == 0 && t.loopRunning {
		t.loopRunning = false
		handle := t.loopHandle
		t.loopHandle = nil
		t.mu.Unlock()
		if handle != nil {
			handle.Stop()
		}
		metrics.LocalFallbackDepth.Set(0)
		t.log.Info("attachment reconciler drained, stopping")
		return
	}
	t.mu.Unlock()
	metrics.LocalFallbackDepth.Set(float64(depth))
}

// reconcileOne attempts a single drain. Attempt accounting caps at
// maxRetries; past the cap the file is left for the retention sweep.
func (t *Tier) reconcileOne(ctx context.Context, path string) {
	file, err := t.local.Read(path)
	if err != nil {
		// Retention or an operator removed it; nothing left to drain.
		t.dropFromRetry(path)
		return
	}

	name := file.Meta.OriginalName
	if name == "" {
		name = "attachment"
	}

	_, err = t.store.Put(ctx, ObjectKey(name, time.Now()), file.Data, file.Meta.ContentType)
	if err == nil {
		metrics.ReconcilerUploadsTotal.WithLabelValues("success").Inc()
		if err := t.local.Remove(path); err != nil {
			t.log.Warn("failed to unlink drained attachment",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		t.dropFromRetry(path)
		t.log.Info("staged attachment drained to object store",
			slog.String("filename", name))
		return
	}

	metrics.ReconcilerUploadsTotal.WithLabelValues("failure").Inc()

	t.mu.Lock()
	t.retrySet[path]++
	attempts := t.retrySet[path]
	capped := attempts >= t.maxRetries
	if capped {
		delete(t.retrySet, path)
	}
	t.mu.Unlock()

	if capped {
		metrics.ReconcilerUploadsTotal.WithLabelValues("dropped").Inc()
		t.log.Error("giving up on staged attachment, leaving for retention",
			slog.String("path", path),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
	} else {
		t.log.Warn("reconciler upload failed",
			slog.String("path", path),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
	}
}

func (t *Tier) dropFromRetry(path string) {
	t.mu.Lock()
	delete(t.retrySet, path)
	depth := len(t.retrySet)
	t.mu.Unlock()
	metrics.LocalFallbackDepth.Set(float64(depth))
}

// forgetMissing resyncs the retry set after the retention sweep unlinked
// files behind its back.
func (t *Tier) forgetMissing() {
	pending, err := t.local.Pending()
	if err != nil {
		return
	}
	alive := make(map[string]bool, len(pending))
	for _, p := range pending {
		alive[p.Path] = true
	}

	t.mu.Lock()
	for path := range t.retrySet {
		if !alive[path] {
			delete(t.retrySet, path)
		}
	}
	depth := len(t.retrySet)
	t.mu.Unlock()
	metrics.LocalFallbackDepth.Set(float64(depth))
}

// PendingRetries reports how many staged files await reconciliation.
func (t *Tier) PendingRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.retrySet)
}
