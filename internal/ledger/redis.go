package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"leaddispatch/internal/model"
)

// Each contractor is a hash {current, max} under prefix+"c:"+id; the set
// prefix+"index" lists them for Snapshot. The "c:" namespace keeps any
// contractor id off the index key. Reserve and release run as Lua scripts so the
// check-and-increment is atomic across API replicas.
var (
	reserveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'current')
local max = redis.call('HGET', KEYS[1], 'max')
if not cur or not max then return -1 end
cur = tonumber(cur)
max = tonumber(max)
if cur < 0 then return -2 end
if cur >= max then return 0 end
redis.call('HINCRBY', KEYS[1], 'current', 1)
return 1
`)
	releaseScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'current')
if not cur then return -1 end
cur = tonumber(cur)
if cur <= 0 then
  redis.call('HSET', KEYS[1], 'current', 0)
  return 0
end
redis.call('HINCRBY', KEYS[1], 'current', -1)
return 1
`)
)

// Redis is a Ledger shared by every replica through one Redis instance.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedis builds a Redis ledger from a redis:// URL.
func NewRedis(url, prefix string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisWithClient(redis.NewClient(opt), prefix), nil
}

func NewRedisWithClient(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "capacity"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) key(id string) string { return r.prefix + "c:" + id }
func (r *Redis) indexKey() string     { return r.prefix + "index" }

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) Track(ctx context.Context, contractorID string, max, current int) error {
	if max < 0 || current < 0 {
		return fmt.Errorf("%w: %s max=%d current=%d", ErrCorrupt, contractorID, max, current)
	}
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.key(contractorID), "max", max)
		p.HSetNX(ctx, r.key(contractorID), "current", current)
		p.SAdd(ctx, r.indexKey(), contractorID)
		return nil
	})
	return err
}

func (r *Redis) TrackAll(ctx context.Context, entries []model.CapacityUsage) (map[string]model.CapacityUsage, map[string]error, error) {
	usage := make(map[string]model.CapacityUsage, len(entries))
	failed := map[string]error{}
	valid := make([]model.CapacityUsage, 0, len(entries))
	for _, e := range entries {
		if e.Max < 0 || e.Current < 0 {
			failed[e.ContractorID] = fmt.Errorf("%w: %s max=%d current=%d", ErrCorrupt, e.ContractorID, e.Max, e.Current)
			continue
		}
		valid = append(valid, e)
	}
	if len(valid) == 0 {
		return usage, failed, nil
	}

	sets := make([]*redis.IntCmd, len(valid))
	gets := make([]*redis.MapStringStringCmd, len(valid))
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		ids := make([]any, len(valid))
		for i, e := range valid {
			k := r.key(e.ContractorID)
			sets[i] = p.HSet(ctx, k, "max", e.Max)
			p.HSetNX(ctx, k, "current", e.Current)
			gets[i] = p.HGetAll(ctx, k)
			ids[i] = e.ContractorID
		}
		p.SAdd(ctx, r.indexKey(), ids...)
		return nil
	})
	// a reply error belongs to one contractor; anything else is the connection
	var replyErr redis.Error
	if err != nil && !errors.As(err, &replyErr) {
		return nil, nil, err
	}
	for i, e := range valid {
		if err := sets[i].Err(); err != nil {
			failed[e.ContractorID] = err
			continue
		}
		vals, err := gets[i].Result()
		if err != nil {
			failed[e.ContractorID] = err
			continue
		}
		u, err := parseUsage(e.ContractorID, vals)
		if err != nil {
			failed[e.ContractorID] = err
			continue
		}
		usage[e.ContractorID] = u
	}
	return usage, failed, nil
}

func (r *Redis) TryReserve(ctx context.Context, contractorID string) (bool, error) {
	n, err := reserveScript.Run(ctx, r.rdb, []string{r.key(contractorID)}).Int()
	if err != nil {
		return false, err
	}
	switch n {
	case 1:
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, ErrUnknownContractor
	default:
		return false, fmt.Errorf("%w: %s", ErrCorrupt, contractorID)
	}
}

func (r *Redis) Release(ctx context.Context, contractorID string) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{r.key(contractorID)}).Int()
	if err != nil {
		return err
	}
	switch n {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w: %s", ErrUnderflow, contractorID)
	default:
		return ErrUnknownContractor
	}
}

func (r *Redis) Usage(ctx context.Context, contractorID string) (model.CapacityUsage, error) {
	vals, err := r.rdb.HGetAll(ctx, r.key(contractorID)).Result()
	if err != nil {
		return model.CapacityUsage{}, err
	}
	if len(vals) == 0 {
		return model.CapacityUsage{}, ErrUnknownContractor
	}
	return parseUsage(contractorID, vals)
}

func (r *Redis) Snapshot(ctx context.Context) ([]model.CapacityUsage, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.CapacityUsage, 0, len(ids))
	for i, id := range ids {
		vals := cmds[i].Val()
		if len(vals) == 0 {
			continue
		}
		u, err := parseUsage(id, vals)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func parseUsage(id string, vals map[string]string) (model.CapacityUsage, error) {
	cur, err1 := strconv.Atoi(strings.TrimSpace(vals["current"]))
	max, err2 := strconv.Atoi(strings.TrimSpace(vals["max"]))
	if err1 != nil || err2 != nil || cur < 0 {
		return model.CapacityUsage{}, fmt.Errorf("%w: %s %v", ErrCorrupt, id, vals)
	}
	return model.CapacityUsage{ContractorID: id, Current: cur, Max: max}, nil
}
