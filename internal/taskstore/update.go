package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"market-task-orchestrator/internal/models"
	"market-task-orchestrator/internal/telemetry"
)

// UpdateOption adds a field to an Update call.
type UpdateOption func(*update)

type update struct {
	status models.TaskStatus
	fields map[string]string
	err    error
}

// WithStatus sets the target status.
func WithStatus(s models.TaskStatus) UpdateOption {
	return func(u *update) { u.status = s }
}

// WithResult stores v as the JSON result payload.
func WithResult(v any) UpdateOption {
	return func(u *update) {
		if v == nil {
			return
		}
		b, err := json.Marshal(v)
		if err != nil {
			u.err = fmt.Errorf("result: %w", err)
			return
		}
		u.fields["result"] = string(b)
	}
}

// WithError records a failure message.
func WithError(msg string) UpdateOption {
	return func(u *update) {
		if msg != "" {
			u.fields["error"] = msg
		}
	}
}

// WithItems records fine-grained item counts.
func WithItems(processed, total int) UpdateOption {
	return func(u *update) {
		u.fields["processed_items"] = strconv.Itoa(processed)
		u.fields["total_items"] = strconv.Itoa(total)
	}
}

// WithOperation records what the worker is doing right now.
func WithOperation(op string, details map[string]any) UpdateOption {
	return func(u *update) {
		if op != "" {
			u.fields["current_operation"] = op
		}
		if details == nil {
			return
		}
		b, err := json.Marshal(details)
		if err != nil {
			u.err = fmt.Errorf("operation_details: %w", err)
			return
		}
		u.fields["operation_details"] = string(b)
	}
}

// Update applies a partial write. progress < 0 and an empty message leave the
// stored values untouched. The write is refused (false, nil) when the row is
// absent or when the stored status freezes it:
//
//   - cancelling and cancelled rows accept only a move to cancelled;
//   - other terminal rows accept only another terminal status.
//
// While a row is pending or running its progress never decreases. Accepted
// writes are published on Channel.
func (s *Store) Update(ctx context.Context, taskID string, progress int, message string, opts ...UpdateOption) (bool, error) {
	u := &update{fields: map[string]string{}}
	for _, opt := range opts {
		opt(u)
	}
	if u.err != nil {
		return false, fmt.Errorf("update task %s: %w", taskID, u.err)
	}
	if u.status != "" && !u.status.Valid() {
		return false, fmt.Errorf("update task %s: unknown status %q", taskID, u.status)
	}
	if message != "" {
		u.fields["message"] = message
	}

	args := []any{
		string(u.status),
		progress,
		formatTime(s.now()),
		s.ttl.Milliseconds(),
	}
	for k, v := range u.fields {
		args = append(args, k, v)
	}

	res, err := updateScript.Run(ctx, s.client, []string{Key(taskID)}, args...).Slice()
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", taskID, err)
	}
	if len(res) == 0 || res[0] != int64(1) {
		telemetry.ProgressDropped.Inc()
		s.log.Debug("task update refused",
			zap.String("task_id", taskID),
			zap.String("target_status", string(u.status)),
		)
		return false, nil
	}

	row, err := pairsToMap(res[1:])
	if err != nil {
		return true, fmt.Errorf("update task %s: %w", taskID, err)
	}
	t, err := decodeRow(row)
	if err != nil {
		return true, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	s.derive(t)
	s.publish(ctx, t)
	return true, nil
}

func pairsToMap(flat []any) (map[string]string, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("odd field list from update script")
	}
	out := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, ok1 := flat[i].(string)
		v, ok2 := flat[i+1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("unexpected types %T/%T from update script", flat[i], flat[i+1])
		}
		out[k] = v
	}
	return out, nil
}

// KEYS[1] row; ARGV: target status, progress, now, ttl ms, then field/value pairs.
// Returns {0} when refused, otherwise {1, field, value, ...} of the stored row.
var updateScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return {0} end

local target = ARGV[1]
local progress = tonumber(ARGV[2])
local now = ARGV[3]
local ttl = tonumber(ARGV[4])

local terminal = {completed=true, failed=true, cancelled=true, timeout=true}
local cur = redis.call('HGET', key, 'status') or ''

if cur == 'cancelling' or cur == 'cancelled' then
  if target ~= 'cancelled' then return {0} end
elseif terminal[cur] then
  if not terminal[target] then return {0} end
end

if progress >= 0 then
  if cur == 'pending' or cur == 'running' then
    local stored = tonumber(redis.call('HGET', key, 'progress') or '0') or 0
    if progress < stored then progress = stored end
  end
  if progress > 100 then progress = 100 end
  redis.call('HSET', key, 'progress', progress)
end

if target ~= '' then
  redis.call('HSET', key, 'status', target)
  if target == 'running' and redis.call('HEXISTS', key, 'started_at') == 0 then
    redis.call('HSET', key, 'started_at', now)
  end
  if terminal[target] and redis.call('HEXISTS', key, 'completed_at') == 0 then
    redis.call('HSET', key, 'completed_at', now)
  end
end

for i = 5, #ARGV, 2 do
  redis.call('HSET', key, ARGV[i], ARGV[i + 1])
end

if ttl > 0 then redis.call('PEXPIRE', key, ttl) end

local out = {1}
local row = redis.call('HGETALL', key)
for i = 1, #row do out[#out + 1] = row[i] end
return out
`)
