package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/crowsandbox/crow/pkg/domain"
	"github.com/crowsandbox/crow/pkg/persistence"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Store keeps jobs as JSON documents in one hash and tracks queue state in a
// pending list and a running sorted set. Every state change runs as a single
// Lua script that rewrites the document, the queue keys and the counts hash
// together.
type Store struct {
	rdb    *redis.Client
	tz     *time.Location
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var _ persistence.JobStore = (*Store)(nil)

func New(rdb *redis.Client, tz *time.Location, prefix string) *Store {
	if tz == nil {
		tz = time.UTC
	}
	if prefix == "" {
		prefix = "crow"
	}
	return &Store{rdb: rdb, tz: tz, prefix: prefix, logger: slog.Default(), now: time.Now}
}

// Client exposes the underlying client for metrics collectors.
func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) ts() time.Time { return s.now().In(s.tz) }

// stamp formats t the way encoding/json writes a time.Time.
func stamp(t time.Time) string { return t.Format(time.RFC3339Nano) }

// insertScript stores the document only if the id is new, then enqueues it.
// KEYS[4], when present, is the artifact hash index.
var insertScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call("LPUSH", KEYS[2], ARGV[1])
redis.call("HINCRBY", KEYS[3], "Pending", 1)
if #KEYS >= 4 then
  redis.call("SET", KEYS[4], ARGV[1])
end
return 1
`)

// claimScript pops up to ARGV[1] ids from the pending list, records them in
// the running set with score ARGV[2] and marks their documents Running at
// ARGV[3]. Ids without a Pending document, or already in the running set, are
// dropped so the same job can never be handed out twice.
var claimScript = redis.NewScript(`
local jobs = KEYS[1]
local src = KEYS[2]
local dst = KEYS[3]
local counts = KEYS[4]
local limit = tonumber(ARGV[1]) or 1
local score = ARGV[2]
local now = ARGV[3]
local out = {}
for i=1,limit do
  local id = redis.call("RPOP", src)
  if not id then
    break
  end
  local doc = redis.call("HGET", jobs, id)
  if doc then
    local j = cjson.decode(doc)
    if j.status == "Pending" and redis.call("ZADD", dst, "NX", score, id) == 1 then
      j.status = "Running"
      j.claimedAt = now
      j.updatedAt = now
      j.attempts = (tonumber(j.attempts) or 0) + 1
      local enc = cjson.encode(j)
      redis.call("HSET", jobs, id, enc)
      redis.call("HINCRBY", counts, "Pending", -1)
      redis.call("HINCRBY", counts, "Running", 1)
      table.insert(out, enc)
    end
  end
end
return out
`)

// setStatusScript moves job ARGV[1] from status ARGV[2] to ARGV[3]. It
// returns the status it found; the write happened only when that equals
// ARGV[2]. A missing document returns nil.
var setStatusScript = redis.NewScript(`
local doc = redis.call("HGET", KEYS[1], ARGV[1])
if not doc then
  return false
end
local j = cjson.decode(doc)
local prev = j.status
if prev ~= ARGV[2] then
  return prev
end
j.status = ARGV[3]
j.updatedAt = ARGV[4]
if ARGV[3] == "Error" then
  if ARGV[5] == "" then
    j.errorDetail = nil
  else
    j.errorDetail = ARGV[5]
  end
end
redis.call("HSET", KEYS[1], ARGV[1], cjson.encode(j))
if prev == "Running" then
  redis.call("ZREM", KEYS[3], ARGV[1])
elseif prev == "Pending" then
  redis.call("LREM", KEYS[2], 0, ARGV[1])
end
redis.call("HINCRBY", KEYS[4], prev, -1)
redis.call("HINCRBY", KEYS[4], ARGV[3], 1)
return prev
`)

// requeueScript returns a Running job to the consuming end of the pending
// list. It returns the status it found, or nil for a missing document.
var requeueScript = redis.NewScript(`
local doc = redis.call("HGET", KEYS[1], ARGV[1])
if not doc then
  return false
end
local j = cjson.decode(doc)
if j.status ~= "Running" then
  return j.status
end
j.status = "Pending"
j.claimedAt = nil
j.updatedAt = ARGV[2]
redis.call("HSET", KEYS[1], ARGV[1], cjson.encode(j))
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("HINCRBY", KEYS[4], "Running", -1)
redis.call("HINCRBY", KEYS[4], "Pending", 1)
return "Running"
`)

// maxStatusRetries bounds how often SetStatus re-reads a job that changed
// underneath it.
const maxStatusRetries = 8

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func marshal(j *domain.Job) string {
	b, _ := json.Marshal(j)
	return string(b)
}

func unmarshalJob(jsonStr string) (*domain.Job, error) {
	var j domain.Job
	if err := json.Unmarshal([]byte(jsonStr), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) queueKeys() []string {
	return []string{s.keyJobs(), s.keyPending(), s.keyRunning(), s.keyCounts()}
}

func (s *Store) Insert(ctx context.Context, job *domain.Job) (string, error) {
	j := *job
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := s.ts()
	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = now
	}
	j.Status = domain.StatusPending
	j.UpdatedAt = now
	j.ClaimedAt = nil

	keys := []string{s.keyJobs(), s.keyPending(), s.keyCounts()}
	if j.ArtifactHash != "" {
		keys = append(keys, s.keyHash(j.ArtifactHash))
	}
	ok, err := insertScript.Run(ctx, s.rdb, keys, j.ID, marshal(&j)).Int()
	if err != nil {
		return "", unavailable("EVAL insert", err)
	}
	if ok == 0 {
		return "", fmt.Errorf("insert job %s: %w", j.ID, domain.ErrAlreadyExists)
	}
	return j.ID, nil
}

func (s *Store) ClaimPending(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		return []*domain.Job{}, nil
	}
	now := s.ts()
	docs, err := claimScript.Run(ctx, s.rdb,
		[]string{s.keyJobs(), s.keyPending(), s.keyRunning(), s.keyCounts()},
		limit, strconv.FormatInt(now.UTC().Unix(), 10), stamp(now),
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, unavailable("EVAL claim", err)
	}

	out := make([]*domain.Job, 0, len(docs))
	for _, doc := range docs {
		j, err := unmarshalJob(doc)
		if err != nil {
			// Still Running in the store; the recovery sweep picks it up.
			s.logger.Warn("undecodable claimed job", "err", err)
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status domain.JobStatus, detail string) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	cur := j.Status
	for i := 0; i < maxStatusRetries; i++ {
		noop, err := domain.CheckTransition(cur, status)
		if err != nil {
			return err
		}
		if noop {
			return nil
		}
		found, err := setStatusScript.Run(ctx, s.rdb, s.queueKeys(),
			id, string(cur), string(status), stamp(s.ts()), detail,
		).Text()
		if err == redis.Nil {
			return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return unavailable("EVAL set status", err)
		}
		if domain.JobStatus(found) == cur {
			return nil
		}
		cur = domain.JobStatus(found)
	}
	return fmt.Errorf("set status of job %s: %w: status keeps changing", id, domain.ErrStoreUnavailable)
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	js, err := s.rdb.HGet(ctx, s.keyJobs(), id).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("HGET job", err)
	}
	j, err := unmarshalJob(js)
	if err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

func (s *Store) FindByHash(ctx context.Context, hash string) (*domain.Job, error) {
	id, err := s.rdb.Get(ctx, s.keyHash(hash)).Result()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("GET hash index", err)
	}
	return s.Get(ctx, id)
}

func (s *Store) ListStaleRunning(ctx context.Context, claimedBefore time.Time, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.rdb.ZRangeByScore(ctx, s.keyRunning(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(claimedBefore.UTC().Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, unavailable("ZRANGEBYSCORE running", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.keyJobs(), ids...).Result()
	if err != nil {
		return nil, unavailable("HMGET running", err)
	}
	var out []*domain.Job
	for _, v := range vals {
		js, _ := v.(string)
		if js == "" {
			continue
		}
		j, err := unmarshalJob(js)
		if err != nil || j.Status != domain.StatusRunning {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) Requeue(ctx context.Context, id string) error {
	found, err := requeueScript.Run(ctx, s.rdb, s.queueKeys(), id, stamp(s.ts())).Text()
	if err == redis.Nil {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return unavailable("EVAL requeue", err)
	}
	if domain.JobStatus(found) != domain.StatusRunning {
		return fmt.Errorf("%w: requeue from %s", domain.ErrInvalidTransition, found)
	}
	return nil
}

func (s *Store) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	m, err := s.rdb.HGetAll(ctx, s.keyCounts()).Result()
	if err != nil && err != redis.Nil {
		return nil, unavailable("HGETALL counts", err)
	}
	counts := domain.StatusCounts{}
	for _, st := range domain.AllStatuses {
		n, _ := strconv.ParseInt(m[string(st)], 10, 64)
		counts[st] = n
	}
	return counts, nil
}

// Health checks if Redis is reachable
func (s *Store) Health(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("PING", err)
	}
	return nil
}

// Close releases the Redis connection
func (s *Store) Close() error {
	return s.rdb.Close()
}
