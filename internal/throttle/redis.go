package throttle

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// gcraScript implements the exact same arithmetic as gcra() above, run
// server-side so the load-compute-store sequence is atomic without a
// client-side WATCH/MULTI retry loop. KEYS[1] is the cell key; ARGV is
// limit, period (ns), maxBurst, quantity, now (unix ns). Returns
// {limited, remaining, retry_after_ns, reset_after_ns}.
const gcraScript = `
local limit = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
local max_burst = tonumber(ARGV[3])
local quantity = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

if limit <= 0 then
	return {1, 0, 0, 0}
end

local emission_interval = period / limit
local burst_offset = emission_interval * max_burst

local tat = tonumber(redis.call("GET", KEYS[1]))
if tat == nil or tat < now then
	tat = now
end

local increment = emission_interval * quantity
local candidate_tat = tat + increment
local allow_at = candidate_tat - burst_offset
local diff = now - allow_at

if diff < 0 then
	local retry_after = -diff
	if increment > burst_offset then
		retry_after = -1
	end
	return {1, 0, math.floor(retry_after), math.floor(tat - now)}
end

local remaining = math.floor(diff / emission_interval)
if remaining > max_burst then
	remaining = max_burst
end

local ttl_ms = math.ceil((candidate_tat - now) / 1e6)
if ttl_ms > 0 then
	redis.call("SET", KEYS[1], candidate_tat, "PX", ttl_ms)
end

return {0, remaining, 0, math.floor(candidate_tat - now)}
`

// RedisStore is a Limiter backed by a shared Redis instance, for cells
// that must agree across every node in the fleet (egress-domain or
// tenant-wide limits) rather than per-process ones. Grounded on the
// pack's TxPipeline-based atomic read-modify-write idiom
// (fenilsonani-email-server/internal/queue/redis.go), but GCRA's
// read-compute-store needs to be one indivisible step, which a Lua
// EVAL gives for free without the pipeline's optimistic-retry dance.
type RedisStore struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisStore wraps an existing client. The caller owns the client's
// lifecycle (Close).
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		script: redis.NewScript(gcraScript),
	}
}

func (r *RedisStore) Throttle(ctx context.Context, key string, limit int64, period time.Duration, maxBurst int64, quantity int64) (Result, error) {
	now := time.Now().UnixNano()

	raw, err := r.script.Run(ctx, r.client, []string{"throttle:" + key},
		limit, int64(period), maxBurst, quantity, now).Slice()
	if err != nil {
		return Result{}, err
	}

	limited := toInt64(raw[0]) != 0
	remaining := toInt64(raw[1])
	retryAfterNS := toInt64(raw[2])
	resetAfterNS := toInt64(raw[3])

	res := Result{
		Limited:    limited,
		Remaining:  remaining,
		ResetAfter: time.Duration(resetAfterNS),
	}
	if limited {
		if retryAfterNS < 0 {
			res.RetryAfter = -1
		} else {
			res.RetryAfter = time.Duration(retryAfterNS)
		}
	}
	return res, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
