package closure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/avauthz/groupd/internal/config"
	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/observability"
)

// breakerTrippedRequests is the request window before the shared tier
// breaker evaluates its failure ratio.
const breakerTrippedRequests = 5

// SharedCache is a redis tier shared between instances. Entries are
// keyed by entity and snapshot version, so a stored closure can never
// be served for the wrong version; the TTL only reclaims storage for
// versions nothing reads anymore. All operations sit behind a circuit
// breaker: a down redis degrades to local recomputation, never to an
// error on the read path.
type SharedCache struct {
	client    *redis.Client
	breaker   *gobreaker.CircuitBreaker
	logger    observability.Logger
	keyPrefix string
	ttl       time.Duration
}

// SharedCacheOption is a functional option for the shared cache.
type SharedCacheOption func(*SharedCache)

// WithSharedCacheLogger sets the logger.
func WithSharedCacheLogger(logger observability.Logger) SharedCacheOption {
	return func(s *SharedCache) {
		s.logger = logger
	}
}

// NewSharedCache connects to redis and verifies the connection.
func NewSharedCache(cfg config.ClosureConfig, opts ...SharedCacheOption) (*SharedCache, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis address is required for the shared closure cache")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "groupd:closure:"
	}
	ttl := cfg.TTL.Duration()
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	s := &SharedCache{
		client:    client,
		logger:    observability.NopLogger(),
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "closure-shared-cache",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerTrippedRequests && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Info("shared closure cache circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// A miss is not a redis failure.
			return err == nil || errors.Is(err, redis.Nil)
		},
	})

	s.logger.Info("shared closure cache initialized",
		observability.String("addr", cfg.RedisAddr),
		observability.String("keyPrefix", keyPrefix),
		observability.Duration("ttl", ttl))

	return s, nil
}

// Close closes the redis connection.
func (s *SharedCache) Close() error {
	return s.client.Close()
}

// Ping probes the redis connection, for readiness checks. It goes
// through the breaker so a tripped circuit reports as unhealthy.
func (s *SharedCache) Ping(ctx context.Context) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

func (s *SharedCache) membershipKey(entity graph.Ref, version uint64) string {
	return s.keyPrefix + "m:" + entity.Kind.String() + ":" + entity.Name +
		":v" + strconv.FormatUint(version, 10)
}

func (s *SharedCache) permissionKey(group string, version uint64) string {
	return s.keyPrefix + "p:" + group + ":v" + strconv.FormatUint(version, 10)
}

// GetMembership fetches a membership closure for an exact version. The
// second return is false on a miss; an error means the tier itself
// failed.
func (s *SharedCache) GetMembership(ctx context.Context, entity graph.Ref, version uint64) (*MembershipClosure, bool, error) {
	payload, ok, err := s.get(ctx, s.membershipKey(entity, version))
	if err != nil || !ok {
		return nil, false, err
	}

	var cl MembershipClosure
	if err := json.Unmarshal(payload, &cl); err != nil {
		s.logger.Warn("discarding undecodable shared closure entry",
			observability.String("entity", entity.String()),
			observability.Error(err))
		return nil, false, nil
	}
	if cl.Version != version {
		return nil, false, nil
	}
	return &cl, true, nil
}

// SetMembership stores a membership closure under its version.
func (s *SharedCache) SetMembership(ctx context.Context, cl *MembershipClosure) error {
	payload, err := json.Marshal(cl)
	if err != nil {
		return fmt.Errorf("encode membership closure: %w", err)
	}
	return s.set(ctx, s.membershipKey(cl.Entity, cl.Version), payload)
}

// GetPermission fetches a permission closure for an exact version.
func (s *SharedCache) GetPermission(ctx context.Context, group string, version uint64) (*PermissionClosure, bool, error) {
	payload, ok, err := s.get(ctx, s.permissionKey(group, version))
	if err != nil || !ok {
		return nil, false, err
	}

	var cl PermissionClosure
	if err := json.Unmarshal(payload, &cl); err != nil {
		s.logger.Warn("discarding undecodable shared closure entry",
			observability.String("group", group),
			observability.Error(err))
		return nil, false, nil
	}
	if cl.Version != version {
		return nil, false, nil
	}
	return &cl, true, nil
}

// SetPermission stores a permission closure under its version.
func (s *SharedCache) SetPermission(ctx context.Context, cl *PermissionClosure) error {
	payload, err := json.Marshal(cl)
	if err != nil {
		return fmt.Errorf("encode permission closure: %w", err)
	}
	return s.set(ctx, s.permissionKey(cl.Group, cl.Version), payload)
}

func (s *SharedCache) get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := closureTracer.Start(ctx, "closure.SharedCache.get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("cache.key", key)),
	)
	defer span.End()

	v, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.Get(ctx, key).Bytes()
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			span.SetAttributes(attribute.Bool("cache.hit", false))
			return nil, false, nil
		}
		span.RecordError(err)
		s.logger.Warn("shared closure cache get failed",
			observability.String("key", key),
			observability.Error(err))
		return nil, false, err
	}

	span.SetAttributes(attribute.Bool("cache.hit", true))
	return v.([]byte), true, nil
}

func (s *SharedCache) set(ctx context.Context, key string, payload []byte) error {
	ctx, span := closureTracer.Start(ctx, "closure.SharedCache.set",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(payload)),
		),
	)
	defer span.End()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, payload, s.ttl).Err()
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("shared closure cache set failed",
			observability.String("key", key),
			observability.Error(err))
	}
	return err
}
