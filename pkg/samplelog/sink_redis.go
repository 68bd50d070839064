// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package samplelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisHistoryKey = "analog_probe:sessions"
	redisHistoryLen = 100
	redisRowsTTL    = 24 * time.Hour
)

// RedisConfig configures the Redis mirror.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisSink stores rows under analog_probe:session:<name>, keeps a
// bounded history of summaries and announces each session on Channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects and pings the server.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}
	return &RedisSink{client: client, channel: cfg.Channel}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func rowsKey(name string) string {
	return "analog_probe:session:" + name
}

func (s *RedisSink) Write(ctx context.Context, job *Job) error {
	summary, err := json.Marshal(Summarize(job))
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	key := rowsKey(job.Name)
	pipe.Del(ctx, key)
	for _, c := range chunks(job.Records, 1000) {
		rows := make([]interface{}, 0, len(c))
		for _, r := range c {
			b, err := json.Marshal(r)
			if err != nil {
				return err
			}
			rows = append(rows, b)
		}
		pipe.RPush(ctx, key, rows...)
	}
	pipe.Expire(ctx, key, redisRowsTTL)
	pipe.LPush(ctx, redisHistoryKey, summary)
	pipe.LTrim(ctx, redisHistoryKey, 0, redisHistoryLen-1)
	if s.channel != "" {
		pipe.Publish(ctx, s.channel, summary)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
