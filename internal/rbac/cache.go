package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const principalKeyPrefix = "rbac:principal:"

// RedisCache stores resolved principals in Redis as JSON.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache instantiates the principal cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCache{client: client, ttl: ttl}
}

type cachedPrincipal struct {
	ID        uuid.UUID     `json:"id"`
	Email     string        `json:"email"`
	Role      string        `json:"role"`
	Seniority string        `json:"seniority"`
	IsActive  bool          `json:"is_active"`
	CompanyID uuid.NullUUID `json:"company_id"`
	ClientID  uuid.NullUUID `json:"client_id"`
	Projects  []uuid.UUID   `json:"projects"`
}

func principalCacheKey(id uuid.UUID) string {
	return principalKeyPrefix + id.String()
}

// Get returns the cached principal. ok is false on a miss.
func (c *RedisCache) Get(ctx context.Context, id uuid.UUID) (Principal, bool, error) {
	if c == nil || c.client == nil {
		return Principal{}, false, nil
	}
	payload, err := c.client.Get(ctx, principalCacheKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Principal{}, false, nil
	}
	if err != nil {
		return Principal{}, false, err
	}
	var raw cachedPrincipal
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Principal{}, false, err
	}
	// Entries are re-validated so a stale or tampered role never reaches the evaluator.
	role, err := ParseRole(raw.Role)
	if err != nil {
		return Principal{}, false, err
	}
	seniority, err := ParseSeniority(raw.Seniority)
	if err != nil {
		return Principal{}, false, err
	}
	p := Principal{
		ID:        raw.ID,
		Email:     raw.Email,
		Role:      role,
		Seniority: seniority,
		IsActive:  raw.IsActive,
		CompanyID: raw.CompanyID,
		ClientID:  raw.ClientID,
		Projects:  make(map[uuid.UUID]struct{}, len(raw.Projects)),
	}
	for _, projectID := range raw.Projects {
		p.Projects[projectID] = struct{}{}
	}
	return p, true, nil
}

// Set stores p for the cache TTL.
func (c *RedisCache) Set(ctx context.Context, p Principal) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw := cachedPrincipal{
		ID:        p.ID,
		Email:     p.Email,
		Role:      string(p.Role),
		Seniority: string(p.Seniority),
		IsActive:  p.IsActive,
		CompanyID: p.CompanyID,
		ClientID:  p.ClientID,
		Projects:  make([]uuid.UUID, 0, len(p.Projects)),
	}
	for projectID := range p.Projects {
		raw.Projects = append(raw.Projects, projectID)
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, principalCacheKey(p.ID), payload, c.ttl).Err()
}

// Invalidate drops the cached entry for id.
func (c *RedisCache) Invalidate(ctx context.Context, id uuid.UUID) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, principalCacheKey(id)).Err()
}
