package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/commute-matching/internal/models"
)

const (
	participantSetKey = "participants"
	aliasHashKey      = "participant_aliases"
)

// RedisStore keeps each participant in a hash plus an id set for listing.
// Alias ownership lives in a separate alias -> id hash claimed with HSETNX.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c}
}

func NewRedisStoreFromClient(c *redis.Client) *RedisStore { return &RedisStore{client: c} }

func participantKey(id string) string { return "participant:" + id }

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) Put(ctx context.Context, p models.Participant) error {
	days := make([]string, 0, len(p.Schedule.Days))
	for _, d := range p.Schedule.Days {
		days = append(days, strconv.Itoa(int(d)))
	}
	fields := map[string]interface{}{
		"alias":     p.Alias,
		"home_lat":  strconv.FormatFloat(p.Home.Lat, 'f', -1, 64),
		"home_lon":  strconv.FormatFloat(p.Home.Lon, 'f', -1, 64),
		"dest_lat":  strconv.FormatFloat(p.Destination.Lat, 'f', -1, 64),
		"dest_lon":  strconv.FormatFloat(p.Destination.Lon, 'f', -1, 64),
		"departure": strconv.Itoa(int(p.Schedule.Departure)),
		"return":    strconv.Itoa(int(p.Schedule.Return)),
		"days":      strings.Join(days, ","),
		"updated":   time.Now().Format(time.RFC3339),
	}
	claimed, err := r.claimAlias(ctx, p.Alias, p.ID)
	if err != nil {
		return err
	}
	prev, err := r.client.HGet(ctx, participantKey(p.ID), "alias").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.releaseClaim(ctx, claimed, p.Alias)
		return fmt.Errorf("redis error: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, participantKey(p.ID))
		pipe.HSet(ctx, participantKey(p.ID), fields)
		pipe.SAdd(ctx, participantSetKey, p.ID)
		if prev != "" && prev != p.Alias {
			pipe.HDel(ctx, aliasHashKey, prev)
		}
		return nil
	})
	if err != nil {
		r.releaseClaim(ctx, claimed, p.Alias)
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

// claimAlias reports whether this call newly claimed alias for id. An alias
// already held by id is fine; one held by another id is ErrAliasTaken.
func (r *RedisStore) claimAlias(ctx context.Context, alias, id string) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.HSetNX(ctx, aliasHashKey, alias, id).Result()
		if err != nil {
			return false, fmt.Errorf("redis error: %w", err)
		}
		if ok {
			return true, nil
		}
		owner, err := r.client.HGet(ctx, aliasHashKey, alias).Result()
		if errors.Is(err, redis.Nil) {
			// released between the two calls
			continue
		}
		if err != nil {
			return false, fmt.Errorf("redis error: %w", err)
		}
		if owner != id {
			return false, ErrAliasTaken
		}
		return false, nil
	}
	return false, ErrAliasTaken
}

func (r *RedisStore) releaseClaim(ctx context.Context, claimed bool, alias string) {
	if claimed {
		_ = r.client.HDel(ctx, aliasHashKey, alias).Err()
	}
}

func (r *RedisStore) Get(ctx context.Context, id string) (models.Participant, error) {
	m, err := r.client.HGetAll(ctx, participantKey(id)).Result()
	if err != nil {
		return models.Participant{}, fmt.Errorf("redis error: %w", err)
	}
	if len(m) == 0 {
		return models.Participant{}, ErrNotFound
	}
	p, err := decodeParticipant(id, m)
	if err != nil {
		return models.Participant{}, fmt.Errorf("corrupt participant %s: %w", id, err)
	}
	return p, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	alias, err := r.client.HGet(ctx, participantKey(id), "alias").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis error: %w", err)
	}
	var del *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, participantKey(id))
		pipe.SRem(ctx, participantSetKey, id)
		if alias != "" {
			pipe.HDel(ctx, aliasHashKey, alias)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, fn func(models.Participant) error) error {
	ids, err := r.client.SMembers(ctx, participantSetKey).Result()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func decodeParticipant(id string, m map[string]string) (models.Participant, error) {
	p := models.Participant{ID: id, Alias: m["alias"]}
	floats := []struct {
		field string
		dst   *float64
	}{
		{"home_lat", &p.Home.Lat},
		{"home_lon", &p.Home.Lon},
		{"dest_lat", &p.Destination.Lat},
		{"dest_lon", &p.Destination.Lon},
	}
	for _, f := range floats {
		v, err := strconv.ParseFloat(m[f.field], 64)
		if err != nil {
			return p, fmt.Errorf("%s: %w", f.field, err)
		}
		*f.dst = v
	}
	dep, err := strconv.Atoi(m["departure"])
	if err != nil {
		return p, fmt.Errorf("departure: %w", err)
	}
	ret, err := strconv.Atoi(m["return"])
	if err != nil {
		return p, fmt.Errorf("return: %w", err)
	}
	p.Schedule.Departure = models.ClockTime(dep)
	p.Schedule.Return = models.ClockTime(ret)
	for _, s := range strings.Split(m["days"], ",") {
		if s == "" {
			continue
		}
		d, err := strconv.Atoi(s)
		if err != nil {
			return p, fmt.Errorf("days: %w", err)
		}
		p.Schedule.Days = append(p.Schedule.Days, time.Weekday(d))
	}
	return p, nil
}
