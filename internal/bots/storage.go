package bots

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Storage is per-bot, per-manuscript key/value state kept in a Redis hash
type Storage struct {
	rdb *redis.Client
}

// NewStorage creates a storage backed by rdb
func NewStorage(rdb *redis.Client) *Storage {
	return &Storage{rdb: rdb}
}

func storageKey(botID string, manuscriptID uint) string {
	return fmt.Sprintf("botstore:%s:%d", botID, manuscriptID)
}

// Get returns the value stored under field; ok is false when it is unset
func (s *Storage) Get(ctx context.Context, botID string, manuscriptID uint, field string) (string, bool, error) {
	value, err := s.rdb.HGet(ctx, storageKey(botID, manuscriptID), field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read bot storage: %w", err)
	}
	return value, true, nil
}

// Set stores value under field
func (s *Storage) Set(ctx context.Context, botID string, manuscriptID uint, field, value string) error {
	if err := s.rdb.HSet(ctx, storageKey(botID, manuscriptID), field, value).Err(); err != nil {
		return fmt.Errorf("failed to write bot storage: %w", err)
	}
	return nil
}

// Delete removes field
func (s *Storage) Delete(ctx context.Context, botID string, manuscriptID uint, field string) error {
	if err := s.rdb.HDel(ctx, storageKey(botID, manuscriptID), field).Err(); err != nil {
		return fmt.Errorf("failed to delete bot storage: %w", err)
	}
	return nil
}

// All returns every field stored for the bot on the manuscript
func (s *Storage) All(ctx context.Context, botID string, manuscriptID uint) (map[string]string, error) {
	values, err := s.rdb.HGetAll(ctx, storageKey(botID, manuscriptID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read bot storage: %w", err)
	}
	return values, nil
}
