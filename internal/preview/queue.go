// Package preview renders speculative tip previews in the background with
// bounded concurrency, transport retry and bulk cancellation.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"photoedit/internal/imagegen"
)

// Job renders one tip. A tip is identified by its snapshot and edit prompt,
// never by its position in the tip list.
type Job struct {
	SnapshotID  string
	EditPrompt  string
	Image       string
	AspectRatio string
}

type key struct {
	snapshotID string
	editPrompt string
}

func (j Job) key() key { return key{j.SnapshotID, j.EditPrompt} }

// Sink receives the status changes of jobs. Calls are serialized and made
// with the queue's lock held, so a Sink must not call back into the Queue.
// After PreviewCancelled nothing more is reported for that job.
type Sink interface {
	PreviewStarted(snapshotID, editPrompt string)
	PreviewDone(snapshotID, editPrompt, image string)
	PreviewFailed(snapshotID, editPrompt string, err error)
	PreviewCancelled(snapshotID, editPrompt string)
}

type Options struct {
	MaxConcurrent int
	Retries       int
	Backoff       time.Duration
}

type batch struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type job struct {
	Job
	batch *batch
}

type Queue struct {
	synth   imagegen.Synthesizer
	sink    Sink
	sem     *semaphore.Weighted
	retries uint64
	backoff time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	batch  *batch
	active map[key]*job
	quiet  chan struct{} // closed when active drains; nil while idle
	wg     sync.WaitGroup
}

func NewQueue(synth imagegen.Synthesizer, sink Sink, opts Options, logger *slog.Logger) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 6
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		synth:   synth,
		sink:    sink,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		retries: uint64(opts.Retries),
		backoff: opts.Backoff,
		logger:  logger,
		active:  make(map[key]*job),
	}
}

func newBatch() *batch {
	ctx, cancel := context.WithCancel(context.Background())
	return &batch{ctx: ctx, cancel: cancel}
}

// NewBatch starts a fresh cancellation token for the jobs enqueued after it.
// Jobs of earlier batches keep running.
func (q *Queue) NewBatch() {
	q.mu.Lock()
	q.batch = newBatch()
	q.mu.Unlock()
}

// Enqueue starts rendering j in the current batch. The owner marks the tip
// pending before calling it. A job already active for the same tip is
// superseded: its result will be dropped.
func (q *Queue) Enqueue(j Job) {
	q.mu.Lock()
	if q.batch == nil || q.batch.ctx.Err() != nil {
		q.batch = newBatch()
	}
	jb := &job{Job: j, batch: q.batch}
	if len(q.active) == 0 {
		q.quiet = make(chan struct{})
	}
	q.active[j.key()] = jb
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(jb)
}

// CancelAll cancels every outstanding job and reports each one as cancelled
// before returning. Results that arrive later are dropped.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k, jb := range q.active {
		jb.batch.cancel()
		delete(q.active, k)
		q.sink.PreviewCancelled(k.snapshotID, k.editPrompt)
	}
	q.drainedLocked()
	if q.batch != nil {
		q.batch.cancel()
		q.batch = nil
	}
}

// Outstanding is the number of jobs not yet settled.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// Idle returns a channel that is closed once every job has settled.
// Superseded workers may still be running.
func (q *Queue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.quiet == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return q.quiet
}

func (q *Queue) drainedLocked() {
	if len(q.active) == 0 && q.quiet != nil {
		close(q.quiet)
		q.quiet = nil
	}
}

// Wait blocks until every started worker has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close cancels outstanding work and waits for the workers.
func (q *Queue) Close() {
	q.CancelAll()
	q.Wait()
}

func (q *Queue) run(jb *job) {
	defer q.wg.Done()
	ctx := jb.batch.ctx

	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.settle(jb, func() { q.sink.PreviewCancelled(jb.SnapshotID, jb.EditPrompt) })
		return
	}
	defer q.sem.Release(1)

	if !q.start(jb) {
		return
	}

	img, err := q.generate(ctx, jb.Job)
	switch {
	case err == nil:
		q.settle(jb, func() { q.sink.PreviewDone(jb.SnapshotID, jb.EditPrompt, img) })
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		q.settle(jb, func() { q.sink.PreviewCancelled(jb.SnapshotID, jb.EditPrompt) })
	default:
		q.logger.Warn("preview failed", "snapshot", jb.SnapshotID, "error", err)
		q.settle(jb, func() { q.sink.PreviewFailed(jb.SnapshotID, jb.EditPrompt, err) })
	}
}

// start marks jb generating unless it was cancelled or superseded while
// waiting for a slot.
func (q *Queue) start(jb *job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[jb.key()] != jb {
		return false
	}
	q.sink.PreviewStarted(jb.SnapshotID, jb.EditPrompt)
	return true
}

func (q *Queue) settle(jb *job, report func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[jb.key()] != jb {
		return
	}
	delete(q.active, jb.key())
	report()
	q.drainedLocked()
}

func (q *Queue) generate(ctx context.Context, j Job) (string, error) {
	const op = "preview.generate"
	var img string
	b := retry.WithMaxRetries(q.retries, retry.NewExponential(q.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		img, err = q.synth.Generate(ctx, imagegen.Request{
			Images:      []string{j.Image},
			Prompt:      j.EditPrompt,
			AspectRatio: j.AspectRatio,
		})
		if err != nil && ctx.Err() == nil && imagegen.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}
