// Package sendqueue runs the fixed pool of workers that perform transport
// writes. Jobs are sharded by recipient so one user's frames are always
// written by the same worker, in enqueue order.
package sendqueue

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/registry"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by TryEnqueue when the recipient's shard is full.
	ErrQueueFull = errors.New("send queue full")
	// ErrClosed is returned by TryEnqueue after Stop.
	ErrClosed = errors.New("send queue closed")
)

// Result classifies one transport write.
type Result int

const (
	ResultOK Result = iota
	ResultPeerUnreachable
	ResultTimeout
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultPeerUnreachable:
		return "peer_unreachable"
	case ResultTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Classify maps a write error onto a Result.
func Classify(err error) Result {
	if err == nil {
		return ResultOK
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ResultTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ResultTimeout
	}
	return ResultPeerUnreachable
}

// Job is one frame for one user. With ConnID set only that connection is
// written; otherwise every live connection of the user is.
type Job struct {
	UserID registry.UserID
	ConnID registry.ConnID
	Frame  []byte
}

// Outcome reports one write attempt to the result handler.
type Outcome struct {
	Job     Job
	Conn    *registry.Connection
	Result  Result
	Err     error
	Latency time.Duration
}

// Resolver looks up the connections a job targets.
type Resolver interface {
	Connections(userID registry.UserID) []*registry.Connection
	Conn(id registry.ConnID) (*registry.Connection, bool)
}

// Options configures a Queue.
type Options struct {
	Workers      int
	Capacity     int
	WriteTimeout time.Duration

	// OnResult is invoked by the worker after every write attempt.
	OnResult func(Outcome)

	Logger *zap.Logger
}

const (
	defaultWorkers      = 4
	defaultCapacity     = 4096
	defaultWriteTimeout = 10 * time.Second
)

// Queue is a sharded, bounded job queue drained by a fixed worker pool.
type Queue struct {
	opts     Options
	resolver Resolver
	shards   []chan Job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	enqueued atomic.Int64
	dropped  atomic.Int64
	written  atomic.Int64
	failed   atomic.Int64
}

// New creates the queue and starts its workers.
func New(resolver Resolver, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	perShard := opts.Capacity / opts.Workers
	if perShard < 1 {
		perShard = 1
	}
	q := &Queue{
		opts:     opts,
		resolver: resolver,
		shards:   make([]chan Job, opts.Workers),
	}
	for i := range q.shards {
		q.shards[i] = make(chan Job, perShard)
		q.wg.Add(1)
		go q.worker(q.shards[i])
	}
	return q
}

func (q *Queue) shardFor(u registry.UserID) chan Job {
	return q.shards[uint64(u)%uint64(len(q.shards))]
}

// TryEnqueue hands job to its shard without blocking.
func (q *Queue) TryEnqueue(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.shardFor(job.UserID) <- job:
		q.enqueued.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth() int {
	n := 0
	for _, s := range q.shards {
		n += len(s)
	}
	return n
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Depth    int   `json:"depth"`
	Enqueued int64 `json:"enqueued"`
	Dropped  int64 `json:"dropped"`
	Written  int64 `json:"written"`
	Failed   int64 `json:"failed"`
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Depth:    q.Depth(),
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
		Written:  q.written.Load(),
		Failed:   q.failed.Load(),
	}
}

// Stop refuses new jobs and waits for queued ones to drain or ctx to end.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, s := range q.shards {
			close(s)
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(jobs <-chan Job) {
	defer q.wg.Done()
	for job := range jobs {
		q.process(job)
	}
}

func (q *Queue) process(job Job) {
	var targets []*registry.Connection
	if job.ConnID != "" {
		if c, ok := q.resolver.Conn(job.ConnID); ok {
			targets = append(targets, c)
		}
	} else {
		targets = q.resolver.Connections(job.UserID)
	}
	for _, c := range targets {
		q.write(job, c)
	}
}

func (q *Queue) write(job Job, c *registry.Connection) {
	t := c.Transport()
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.WriteTimeout)
	start := time.Now()
	err := t.WriteFrame(ctx, job.Frame)
	cancel()

	out := Outcome{
		Job:     job,
		Conn:    c,
		Result:  Classify(err),
		Err:     err,
		Latency: time.Since(start),
	}
	if out.Result == ResultOK {
		q.written.Add(1)
	} else {
		q.failed.Add(1)
		q.opts.Logger.Debug("write failed",
			zap.String("conn_id", string(c.ID)),
			zap.Int64("user_id", int64(c.UserID)),
			zap.Stringer("result", out.Result),
			zap.Error(err))
	}
	if q.opts.OnResult != nil {
		q.opts.OnResult(out)
	}
}
