// Package persistence implements the State Persistence Gateway (spec §2/§4.2):
// a circuit-breaker-guarded client for the external document store that
// backs room creation read-through and completion-record writes. Grounded
// on the teacher's internal/v1/bus.Service, generalized from a pub/sub bus
// to a keyed document store (Redis hashes, one per collection) while
// keeping the same graceful-degradation shape: a nil/unconfigured client
// runs in single-instance mode and every call becomes a no-op rather than
// an error.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/liveserver/interaction/internal/logging"
	"github.com/liveserver/interaction/internal/metrics"
)

// Collection names used by the rest of the module.
const (
	CollectionGameState  = "game_state"
	CollectionCompletion = "completion_record"
)

// Gateway is the circuit-breaker-guarded handle to the document store.
type Gateway struct {
	client    *redis.Client
	cb        *gobreaker.CircuitBreaker
	keyPrefix string
}

// NewGateway dials the document store and verifies connectivity once at
// startup. An empty addr yields a Gateway that runs in single-instance
// mode: every operation degrades to a no-op instead of failing, matching
// the teacher's "no Redis configured" behavior.
func NewGateway(addr, password, keyPrefix string) (*Gateway, error) {
	if addr == "" {
		return &Gateway{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("persistence: connect to document store: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "persistence",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("persistence").Set(stateVal)
		},
	}

	logging.Info(nil, "connected to persistence store", zap.String("addr", addr))
	return &Gateway{
		client:    client,
		cb:        gobreaker.NewCircuitBreaker(st),
		keyPrefix: keyPrefix,
	}, nil
}

func (g *Gateway) hashKey(collection string) string {
	if g.keyPrefix == "" {
		return collection
	}
	return g.keyPrefix + ":" + collection
}

func (g *Gateway) degraded() bool {
	return g == nil || g.client == nil
}

func (g *Gateway) observe(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.PersistenceOperationsTotal.WithLabelValues(op, status).Inc()
}

// Write serializes doc as JSON and stores it under (collection, id).
func (g *Gateway) Write(ctx context.Context, collection, id string, doc any) error {
	if g.degraded() {
		return nil
	}
	start := time.Now()
	defer func() {
		metrics.PersistenceOperationDuration.WithLabelValues("write").Observe(time.Since(start).Seconds())
	}()

	_, err := g.cb.Execute(func() (any, error) {
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("marshal document: %w", err)
		}
		return nil, g.client.HSet(ctx, g.hashKey(collection), id, data).Err()
	})
	g.observe("write", err)

	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("persistence").Inc()
		logging.Warn(ctx, "persistence circuit open, dropping write", zap.String("collection", collection), zap.String("id", id))
		return nil
	}
	if err != nil {
		logging.Error(ctx, "persistence write failed", zap.String("collection", collection), zap.String("id", id), zap.Error(err))
	}
	return err
}

// Read fetches (collection, id) and unmarshals it into out. found is false
// when the document does not exist or the store is unreachable.
func (g *Gateway) Read(ctx context.Context, collection, id string, out any) (found bool, err error) {
	if g.degraded() {
		return false, nil
	}
	start := time.Now()
	defer func() {
		metrics.PersistenceOperationDuration.WithLabelValues("read").Observe(time.Since(start).Seconds())
	}()

	res, err := g.cb.Execute(func() (any, error) {
		return g.client.HGet(ctx, g.hashKey(collection), id).Result()
	})
	g.observe("read", err)

	if err == redis.Nil {
		return false, nil
	}
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("persistence").Inc()
		logging.Warn(ctx, "persistence circuit open, treating read as miss", zap.String("collection", collection), zap.String("id", id))
		return false, nil
	}
	if err != nil {
		logging.Error(ctx, "persistence read failed", zap.String("collection", collection), zap.String("id", id), zap.Error(err))
		return false, err
	}

	if err := json.Unmarshal([]byte(res.(string)), out); err != nil {
		return false, fmt.Errorf("unmarshal document: %w", err)
	}
	return true, nil
}

// Query fetches every id in ids from collection in one round trip, skipping
// any that are missing. A degraded store returns an empty result, never an
// error, so callers can fall back to building fresh state.
func (g *Gateway) Query(ctx context.Context, collection string, ids []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if g.degraded() || len(ids) == 0 {
		return out, nil
	}
	start := time.Now()
	defer func() {
		metrics.PersistenceOperationDuration.WithLabelValues("query").Observe(time.Since(start).Seconds())
	}()

	res, err := g.cb.Execute(func() (any, error) {
		return g.client.HMGet(ctx, g.hashKey(collection), ids...).Result()
	})
	g.observe("query", err)

	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("persistence").Inc()
		logging.Warn(ctx, "persistence circuit open, returning empty query result", zap.String("collection", collection))
		return out, nil
	}
	if err != nil {
		logging.Error(ctx, "persistence query failed", zap.String("collection", collection), zap.Error(err))
		return nil, err
	}

	values := res.([]any)
	for i, v := range values {
		if v == nil {
			continue
		}
		out[ids[i]] = json.RawMessage(v.(string))
	}
	return out, nil
}

// Delete removes (collection, id).
func (g *Gateway) Delete(ctx context.Context, collection, id string) error {
	if g.degraded() {
		return nil
	}
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.client.HDel(ctx, g.hashKey(collection), id).Err()
	})
	g.observe("delete", err)
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("persistence").Inc()
		return nil
	}
	return err
}

// HealthCheck pings the document store. A single-instance Gateway always
// reports healthy, matching spec §6's "persistence" service status.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	if g.degraded() {
		return nil
	}
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.client.Ping(ctx).Err()
	})
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("persistence").Inc()
	}
	return err
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	if g.degraded() {
		return nil
	}
	return g.client.Close()
}
