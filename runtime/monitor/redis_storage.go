package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps plugin histories in Redis sorted sets scored by
// timestamp, for deployments where more than one process records metrics.
// The per-plugin capacity is enforced with ZREMRANGEBYRANK, retention with
// key expiry.
type RedisStorage struct {
	client     *redis.Client
	keyPrefix  string
	retention  time.Duration
	metricsCap int
	errorCap   int
}

// NewRedisStorage creates a Redis-backed storage
func NewRedisStorage(client *redis.Client, keyPrefix string, retention time.Duration, metricsCap, errorCap int) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = "plugrun"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if metricsCap <= 0 {
		metricsCap = 100
	}
	if errorCap <= 0 {
		errorCap = 50
	}
	return &RedisStorage{
		client:     client,
		keyPrefix:  keyPrefix,
		retention:  retention,
		metricsCap: metricsCap,
		errorCap:   errorCap,
	}
}

func (s *RedisStorage) metricsKey(pluginID string) string {
	return fmt.Sprintf("%s:metrics:%s", s.keyPrefix, pluginID)
}

func (s *RedisStorage) errorsKey(pluginID string) string {
	return fmt.Sprintf("%s:errors:%s", s.keyPrefix, pluginID)
}

func (s *RedisStorage) pluginsKey() string {
	return s.keyPrefix + ":plugins"
}

func (s *RedisStorage) appendBounded(key string, score float64, data []byte, capacity int, pluginID string) error {
	ctx := context.Background()
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: string(data)})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-capacity-1))
	pipe.Expire(ctx, key, s.retention)
	pipe.SAdd(ctx, s.pluginsKey(), pluginID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store in redis: %w", err)
	}
	return nil
}

func (s *RedisStorage) AppendMetrics(pluginID string, m *Metrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	return s.appendBounded(s.metricsKey(pluginID), float64(m.Timestamp.UnixNano()), data, s.metricsCap, pluginID)
}

func (s *RedisStorage) AppendError(pluginID string, e *ErrorEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal error entry: %w", err)
	}
	return s.appendBounded(s.errorsKey(pluginID), float64(e.Time.UnixNano()), data, s.errorCap, pluginID)
}

func (s *RedisStorage) LatestMetrics(pluginID string) (*Metrics, bool) {
	ctx := context.Background()
	members, err := s.client.ZRevRange(ctx, s.metricsKey(pluginID), 0, 0).Result()
	if err != nil || len(members) == 0 {
		return nil, false
	}
	var m Metrics
	if err := json.Unmarshal([]byte(members[0]), &m); err != nil {
		return nil, false
	}
	return &m, true
}

func (s *RedisStorage) MetricsHistory(pluginID string, limit int) ([]*Metrics, error) {
	ctx := context.Background()
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	members, err := s.client.ZRange(ctx, s.metricsKey(pluginID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	out := make([]*Metrics, 0, len(members))
	for _, member := range members {
		var m Metrics
		if err := json.Unmarshal([]byte(member), &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

func (s *RedisStorage) RecentErrors(pluginID string, limit int) ([]*ErrorEntry, error) {
	ctx := context.Background()
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := s.client.ZRevRange(ctx, s.errorsKey(pluginID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}
	out := make([]*ErrorEntry, 0, len(members))
	for _, member := range members {
		var e ErrorEntry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *RedisStorage) ErrorsSince(t time.Time) (int, error) {
	ctx := context.Background()
	total := 0
	for _, pluginID := range s.Plugins() {
		count, err := s.client.ZCount(ctx, s.errorsKey(pluginID),
			strconv.FormatInt(t.UnixNano(), 10), "+inf").Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count errors: %w", err)
		}
		total += int(count)
	}
	return total, nil
}

func (s *RedisStorage) Plugins() []string {
	members, err := s.client.SMembers(context.Background(), s.pluginsKey()).Result()
	if err != nil {
		return nil
	}
	return members
}
