package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps each queue in three keys: a sorted set of ids scored by
// visible-at (unix ms), a hash of payloads, and a hash of read counts.
// Deleted ids leave an expiring "done" marker behind.
type Redis struct {
	RetireFor time.Duration

	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Queue = (*Redis)(nil)

func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "q"
	}
	return &Redis{RetireFor: DefaultRetireFor, rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *Redis) keys(queue string) []string {
	base := r.prefix + ":" + queue
	return []string{base + ":visible", base + ":payload", base + ":reads"}
}

func (r *Redis) doneKey(queue, id string) string {
	return r.prefix + ":" + queue + ":done:" + id
}

var sendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then
  return 0
end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 1 then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
  return 1
end
return 0
`)

// readScript claims the earliest visible id and pushes its visibility forward.
var readScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local payload = redis.call('HGET', KEYS[2], id)
if not payload then
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[3], id)
  return {id, '', -1}
end
redis.call('ZADD', KEYS[1], ARGV[2], id)
local n = redis.call('HINCRBY', KEYS[3], id, 1)
return {id, payload, n}
`)

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (r *Redis) Send(ctx context.Context, queue, id string, payload []byte, delay time.Duration) error {
	if id == "" {
		return errors.New("jobqueue: empty job id")
	}
	if delay < 0 {
		delay = 0
	}
	visibleAt := r.now().Add(delay)
	keys := append(r.keys(queue), r.doneKey(queue, id))
	return sendScript.Run(ctx, r.rdb, keys, id, payload, ms(visibleAt)).Err()
}

func (r *Redis) Read(ctx context.Context, queue string, vt time.Duration) (*Job, error) {
	// orphaned ids (no payload) are dropped by the script; retry a few times past them
	for range 3 {
		now := r.now()
		res, err := readScript.Run(ctx, r.rdb, r.keys(queue), ms(now), ms(now.Add(vt))).Slice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if len(res) != 3 {
			return nil, fmt.Errorf("jobqueue: unexpected read reply %v", res)
		}
		id, _ := res[0].(string)
		payload, _ := res[1].(string)
		n, _ := res[2].(int64)
		if n < 0 {
			continue
		}
		return &Job{ID: id, Payload: []byte(payload), ReadCount: int(n)}, nil
	}
	return nil, nil
}

var deleteScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('SET', KEYS[4], '1', 'PX', ARGV[2])
return 1
`)

func (r *Redis) Delete(ctx context.Context, queue, id string) error {
	retire := r.RetireFor
	if retire <= 0 {
		retire = DefaultRetireFor
	}
	keys := append(r.keys(queue), r.doneKey(queue, id))
	return deleteScript.Run(ctx, r.rdb, keys, id, retire.Milliseconds()).Err()
}

func (r *Redis) Len(ctx context.Context, queue string) (int64, error) {
	return r.rdb.ZCard(ctx, r.keys(queue)[0]).Result()
}
