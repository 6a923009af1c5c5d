// README: Delivery job queues with claim/ack: a Redis list plus a visibility set, and a channel for single-process runs.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatchd/internal/clock"
)

// Queue hands out jobs under a claim. A claimed job that is not acked within the
// visibility timeout goes back to the queue on the next RequeueExpired.
type Queue interface {
	// Push enqueues job unless a job with the same ID was already seen; it reports whether it was added.
	Push(ctx context.Context, job Job) (bool, error)
	// Pop blocks until a job is available or ctx is done, and claims it.
	Pop(ctx context.Context) (Job, error)
	// Ack drops the claim of a job returned by Pop.
	Ack(ctx context.Context, job Job) error
	// RequeueExpired returns claims past their visibility timeout to the queue.
	RequeueExpired(ctx context.Context) (int, error)
}

const (
	jobListKey        = "notify:jobs"
	jobClaimsKey      = "notify:jobs:claimed"
	jobSeenPrefix     = "notify:job:"
	redisPollInterval = 200 * time.Millisecond
	requeueBatch      = 500

	defaultVisibility = 2 * time.Minute
)

// claimScript moves the oldest job into the claim set scored by its visible-at time.
var claimScript = redis.NewScript(`
local raw = redis.call('RPOP', KEYS[1])
if not raw then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], raw)
return raw
`)

// requeueScript moves expired claims back to the consuming end of the list.
var requeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, raw in ipairs(due) do
	redis.call('ZREM', KEYS[1], raw)
	redis.call('RPUSH', KEYS[2], raw)
end
return #due
`)

type RedisQueue struct {
	redis      *redis.Client
	dedupTTL   time.Duration
	clock      clock.Clock
	visibility time.Duration
}

func NewRedisQueue(client *redis.Client, dedupTTL time.Duration) *RedisQueue {
	return &RedisQueue{redis: client, dedupTTL: dedupTTL, clock: clock.Real{}, visibility: defaultVisibility}
}

// WithVisibility sets the clock and how long a claim is held before redelivery.
func (q *RedisQueue) WithVisibility(clk clock.Clock, timeout time.Duration) *RedisQueue {
	if clk != nil {
		q.clock = clk
	}
	if timeout > 0 {
		q.visibility = timeout
	}
	return q
}

func (q *RedisQueue) Push(ctx context.Context, job Job) (bool, error) {
	added, err := q.redis.SetNX(ctx, jobSeenPrefix+job.ID, 1, q.dedupTTL).Result()
	if err != nil || !added {
		return false, err
	}
	b, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if err := q.redis.LPush(ctx, jobListKey, b).Err(); err != nil {
		// let a later push of the same job through
		q.redis.Del(ctx, jobSeenPrefix+job.ID)
		return false, err
	}
	return true, nil
}

func (q *RedisQueue) Pop(ctx context.Context) (Job, error) {
	for {
		visibleAt := q.clock.Now().Add(q.visibility).UnixMilli()
		raw, err := claimScript.Run(ctx, q.redis, []string{jobListKey, jobClaimsKey}, visibleAt).Text()
		if errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return Job{}, ctx.Err()
			case <-time.After(redisPollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, err
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.redis.ZRem(ctx, jobClaimsKey, raw)
			return Job{}, err
		}
		job.receipt = raw
		return job, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	if job.receipt == "" {
		return nil
	}
	return q.redis.ZRem(ctx, jobClaimsKey, job.receipt).Err()
}

func (q *RedisQueue) RequeueExpired(ctx context.Context) (int, error) {
	return requeueScript.Run(ctx, q.redis, []string{jobClaimsKey, jobListKey}, q.clock.Now().UnixMilli(), requeueBatch).Int()
}

// Len reports the number of queued jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, jobListKey).Result()
}

// Claimed reports the number of jobs handed out and not yet acked.
func (q *RedisQueue) Claimed(ctx context.Context) (int64, error) {
	return q.redis.ZCard(ctx, jobClaimsKey).Result()
}

type memoryClaim struct {
	job       Job
	visibleAt time.Time
}

type MemoryQueue struct {
	jobs       chan Job
	clock      clock.Clock
	visibility time.Duration

	mu      sync.Mutex
	seen    map[string]struct{}
	claimed map[string]memoryClaim
	next    int
}

func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{
		jobs:       make(chan Job, size),
		clock:      clock.Real{},
		visibility: defaultVisibility,
		seen:       make(map[string]struct{}),
		claimed:    make(map[string]memoryClaim),
	}
}

// WithVisibility sets the clock and how long a claim is held before redelivery.
func (q *MemoryQueue) WithVisibility(clk clock.Clock, timeout time.Duration) *MemoryQueue {
	if clk != nil {
		q.clock = clk
	}
	if timeout > 0 {
		q.visibility = timeout
	}
	return q
}

func (q *MemoryQueue) Push(ctx context.Context, job Job) (bool, error) {
	q.mu.Lock()
	if _, dup := q.seen[job.ID]; dup {
		q.mu.Unlock()
		return false, nil
	}
	q.seen[job.ID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return true, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.seen, job.ID)
		q.mu.Unlock()
		return false, ctx.Err()
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (Job, error) {
	select {
	case job := <-q.jobs:
		q.mu.Lock()
		q.next++
		job.receipt = strconv.Itoa(q.next)
		q.claimed[job.receipt] = memoryClaim{job: job, visibleAt: q.clock.Now().Add(q.visibility)}
		q.mu.Unlock()
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(_ context.Context, job Job) error {
	q.mu.Lock()
	delete(q.claimed, job.receipt)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context) (int, error) {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := 0
	for receipt, c := range q.claimed {
		if now.Before(c.visibleAt) {
			continue
		}
		job := c.job
		job.receipt = ""
		select {
		case q.jobs <- job:
			delete(q.claimed, receipt)
			moved++
		default:
			// full; stays claimed until the next pass
		}
	}
	return moved, nil
}

func (q *MemoryQueue) Len() int { return len(q.jobs) }

// Claimed reports the number of jobs handed out and not yet acked.
func (q *MemoryQueue) Claimed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.claimed)
}
