package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// acquireScript stores ARGV[1] under KEYS[1] with a PX expiry of ARGV[4]
// unless a different session of a different user holds the key. An expired
// lease has already been evicted by Redis. The acquisition time survives a
// refresh by the same session.
var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local val = ARGV[1]
if cur then
  local held = cjson.decode(cur)
  if held.session_id ~= ARGV[2] and held.user_id ~= ARGV[3] then
    return {0, cur}
  end
  if held.session_id == ARGV[2] then
    local nxt = cjson.decode(ARGV[1])
    nxt.acquired_at = held.acquired_at
    val = cjson.encode(nxt)
  end
end
redis.call('SET', KEYS[1], val, 'PX', ARGV[4])
return {1, val}
`)

// extendScript moves the expiry of KEYS[1] when session ARGV[1] holds it.
var extendScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return 0
end
local held = cjson.decode(cur)
if held.session_id ~= ARGV[1] then
  return 0
end
held.expires_at = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(held), 'PX', ARGV[3])
return 1
`)

type redisLeaseRepository struct {
	client *redis.Client
	prefix string
}

// NewRedisLeaseRepository creates a lease store on Redis. Leases expire
// through the key TTL.
func NewRedisLeaseRepository(client *redis.Client) LeaseRepository {
	return &redisLeaseRepository{client: client, prefix: "ontask:lease:"}
}

var _ LeaseRepository = (*redisLeaseRepository)(nil)

func (r *redisLeaseRepository) key(workflowID uuid.UUID) string {
	return r.prefix + workflowID.String()
}

func (r *redisLeaseRepository) Acquire(ctx context.Context, lease *models.Lease, now time.Time) (*models.Lease, bool, error) {
	ttl := lease.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lease expiry %s is not in the future", lease.ExpiresAt)
	}
	payload, err := json.Marshal(lease)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode lease: %w", err)
	}

	res, err := acquireScript.Run(ctx, r.client, []string{r.key(lease.WorkflowID)},
		string(payload), lease.SessionID, lease.UserID, ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected lease script reply %v", res)
	}

	granted, _ := res[0].(int64)
	raw, _ := res[1].(string)
	var holder models.Lease
	if err := json.Unmarshal([]byte(raw), &holder); err != nil {
		return nil, false, fmt.Errorf("failed to decode lease: %w", err)
	}
	return &holder, granted == 1, nil
}

func (r *redisLeaseRepository) Get(ctx context.Context, workflowID uuid.UUID) (*models.Lease, error) {
	raw, err := r.client.Get(ctx, r.key(workflowID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	var lease models.Lease
	if err := json.Unmarshal([]byte(raw), &lease); err != nil {
		return nil, fmt.Errorf("failed to decode lease: %w", err)
	}
	return &lease, nil
}

func (r *redisLeaseRepository) Release(ctx context.Context, workflowID uuid.UUID) error {
	if err := r.client.Del(ctx, r.key(workflowID)).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (r *redisLeaseRepository) Extend(ctx context.Context, workflowID uuid.UUID, sessionID string, expiresAt, now time.Time) (bool, error) {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return false, nil
	}
	n, err := extendScript.Run(ctx, r.client, []string{r.key(workflowID)},
		sessionID, expiresAt.UTC().Format(time.RFC3339Nano), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to extend lease: %w", err)
	}
	return n == 1, nil
}
