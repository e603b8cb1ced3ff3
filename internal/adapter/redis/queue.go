package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Strob0t/ContentForge/internal/domain/job"
	"github.com/Strob0t/ContentForge/internal/port/jobqueue"
)

// Key layout (KEYS order shared by every script):
//
//	1..3  ready:<high|normal|low>  ZSET  member=job id, score=available-at ms
//	4     inflight                 ZSET  member=job id, score=deadline ms
//	5     lease                    HASH  job id -> "token|priority|consumer"
//
// A ready key for priority p is KEYS[3 - p].

var pushScript = goredis.NewScript(`
local id = ARGV[1]
if redis.call("ZSCORE", KEYS[4], id) then return 0 end
for i = 1, 3 do
	if redis.call("ZSCORE", KEYS[i], id) then return 0 end
end
return redis.call("ZADD", KEYS[3 - tonumber(ARGV[2])], ARGV[3], id)
`)

var claimScript = goredis.NewScript(`
for i = 1, 3 do
	local r = redis.call("ZRANGEBYSCORE", KEYS[i], "-inf", ARGV[1], "LIMIT", 0, 1)
	if r[1] then
		local prio = 3 - i
		redis.call("ZREM", KEYS[i], r[1])
		redis.call("ZADD", KEYS[4], ARGV[2], r[1])
		redis.call("HSET", KEYS[5], r[1], ARGV[3] .. "|" .. prio .. "|" .. ARGV[4])
		return {r[1], prio}
	end
end
return false
`)

// owner returns the priority of the lease if ARGV[2] still owns ARGV[1].
const ownerLua = `
local v = redis.call("HGET", KEYS[5], ARGV[1])
if not v then return -1 end
local tok, prio = string.match(v, "^([^|]*)|([^|]*)|")
if tok ~= ARGV[2] then return -1 end
`

var extendScript = goredis.NewScript(ownerLua + `
redis.call("ZADD", KEYS[4], "XX", ARGV[3], ARGV[1])
return 1
`)

var ackScript = goredis.NewScript(ownerLua + `
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("HDEL", KEYS[5], ARGV[1])
return 1
`)

var nackScript = goredis.NewScript(ownerLua + `
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("HDEL", KEYS[5], ARGV[1])
redis.call("ZADD", KEYS[3 - tonumber(prio)], ARGV[3], ARGV[1])
return 1
`)

var requeueScript = goredis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[4], "-inf", ARGV[1], "WITHSCORES")
local n = 0
for i = 1, #expired, 2 do
	local id, deadline = expired[i], expired[i + 1]
	n = n + 1
	local prio = 1
	local v = redis.call("HGET", KEYS[5], id)
	if v then
		local _, p = string.match(v, "^([^|]*)|([^|]*)|")
		prio = tonumber(p) or 1
	end
	redis.call("ZREM", KEYS[4], id)
	redis.call("HDEL", KEYS[5], id)
	redis.call("ZADD", KEYS[3 - prio], deadline, id)
end
return n
`)

// Queue implements jobqueue.Queue on Redis sorted sets.
type Queue struct {
	rdb  goredis.UniversalClient
	keys []string
	now  func() time.Time
}

// NewQueue returns a queue storing its state under prefix.
func NewQueue(rdb goredis.UniversalClient, prefix string) *Queue {
	ks := newKeyspace(prefix, "jobs")
	return &Queue{
		rdb: rdb,
		keys: []string{
			ks.key("ready", job.PriorityHigh.String()),
			ks.key("ready", job.PriorityNormal.String()),
			ks.key("ready", job.PriorityLow.String()),
			ks.key("inflight"),
			ks.key("lease"),
		},
		now: time.Now,
	}
}

func ms(t time.Time) int64 { return t.UnixMilli() }

// Push enqueues jobID unless it is already queued or in flight.
func (q *Queue) Push(ctx context.Context, jobID string, priority job.Priority, availableAt time.Time) error {
	if priority < job.PriorityLow || priority > job.PriorityHigh {
		return fmt.Errorf("redis queue push %s: priority %d out of range", jobID, priority)
	}
	if err := pushScript.Run(ctx, q.rdb, q.keys, jobID, int(priority), ms(availableAt)).Err(); err != nil {
		return fmt.Errorf("redis queue push %s: %w", jobID, err)
	}
	return nil
}

// Claim leases the highest-priority available job.
func (q *Queue) Claim(ctx context.Context, consumer string, visibility time.Duration) (*jobqueue.Lease, error) {
	now := q.now()
	deadline := now.Add(visibility)
	token := uuid.NewString()
	res, err := claimScript.Run(ctx, q.rdb, q.keys, ms(now), ms(deadline), token, consumer).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis queue claim: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis queue claim: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	prio, _ := res[1].(int64)
	return &jobqueue.Lease{
		JobID:    id,
		Token:    token,
		Priority: job.Priority(prio),
		Consumer: consumer,
		Deadline: deadline,
	}, nil
}

func (q *Queue) owned(ctx context.Context, s *goredis.Script, l *jobqueue.Lease, arg int64) error {
	n, err := s.Run(ctx, q.rdb, q.keys, l.JobID, l.Token, arg).Int64()
	if err != nil {
		return fmt.Errorf("redis queue %s: %w", l.JobID, err)
	}
	if n != 1 {
		return jobqueue.ErrLeaseLost
	}
	return nil
}

// Extend moves the lease deadline to now + visibility.
func (q *Queue) Extend(ctx context.Context, l *jobqueue.Lease, visibility time.Duration) error {
	deadline := q.now().Add(visibility)
	if err := q.owned(ctx, extendScript, l, ms(deadline)); err != nil {
		return err
	}
	l.Deadline = deadline
	return nil
}

// Ack removes the job.
func (q *Queue) Ack(ctx context.Context, l *jobqueue.Lease) error {
	return q.owned(ctx, ackScript, l, 0)
}

// Nack requeues the job after delay.
func (q *Queue) Nack(ctx context.Context, l *jobqueue.Lease, delay time.Duration) error {
	return q.owned(ctx, nackScript, l, ms(q.now().Add(delay)))
}

// RequeueExpired returns every in-flight job whose deadline passed. A
// requeued job is available from its old deadline.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := requeueScript.Run(ctx, q.rdb, q.keys, ms(now)).Int()
	if err != nil {
		return 0, fmt.Errorf("redis queue requeue: %w", err)
	}
	return n, nil
}

// Len reports queued jobs across all priorities, delayed ones included.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var total int64
	for _, k := range q.keys[:3] {
		n, err := q.rdb.ZCard(ctx, k).Result()
		if err != nil {
			return 0, fmt.Errorf("redis queue len: %w", err)
		}
		total += n
	}
	return int(total), nil
}

// Depths reports queued jobs per priority, for metrics.
func (q *Queue) Depths(ctx context.Context) (map[job.Priority]int64, error) {
	out := make(map[job.Priority]int64, 3)
	for i, p := range []job.Priority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow} {
		n, err := q.rdb.ZCard(ctx, q.keys[i]).Result()
		if err != nil {
			return nil, fmt.Errorf("redis queue depth: %w", err)
		}
		out[p] = n
	}
	return out, nil
}
