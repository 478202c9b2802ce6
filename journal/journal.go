package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamKeyFormat = "account:%s:sync"
	maxEntries      = 500
	tailBlock       = 5 * time.Second
	tailBatchCount  = 50
)

// Entry is one recorded reconciliation pass.
type Entry struct {
	ID        string            `json:"id"`
	AccountID string            `json:"account_id"`
	Values    map[string]string `json:"values"`
}

// Journal records reconciliation outcomes on a per-account Redis stream so
// operators can audit what each pass did and tail it live.
type Journal struct {
	client *redis.Client
}

func New(client *redis.Client) *Journal {
	return &Journal{client: client}
}

// StreamKey returns the canonical sync stream key for an account.
func StreamKey(accountID string) string {
	return fmt.Sprintf(streamKeyFormat, accountID)
}

// Record appends a pass outcome to the account's stream, trimming the stream
// to a bounded length.
func (j *Journal) Record(ctx context.Context, accountID string, values map[string]any) (string, error) {
	if j == nil || j.client == nil {
		return "", fmt.Errorf("sync journal not configured")
	}
	if values == nil {
		values = make(map[string]any)
	}
	if _, ok := values["ts"]; !ok {
		values["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	id, err := j.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(accountID),
		MaxLen: maxEntries,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append sync journal: %w", err)
	}
	return id, nil
}

// Tail blocks for entries after afterID and returns them with the last id
// observed, for the live sync-events endpoint.
func (j *Journal) Tail(ctx context.Context, accountID, afterID string) ([]Entry, string, error) {
	if j == nil || j.client == nil {
		return nil, afterID, fmt.Errorf("sync journal not configured")
	}
	if strings.TrimSpace(afterID) == "" {
		afterID = "$"
	}

	res, err := j.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey(accountID), afterID},
		Count:   tailBatchCount,
		Block:   tailBlock,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, afterID, nil
		}
		return nil, afterID, err
	}

	entries := make([]Entry, 0)
	nextID := afterID
	for _, stream := range res {
		for _, msg := range stream.Messages {
			values := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				values[k] = stringVal(v)
			}
			entries = append(entries, Entry{
				ID:        msg.ID,
				AccountID: accountID,
				Values:    values,
			})
			nextID = msg.ID
		}
	}
	return entries, nextID, nil
}

// Recent returns up to count most recent entries, newest first.
func (j *Journal) Recent(ctx context.Context, accountID string, count int64) ([]Entry, error) {
	if count <= 0 {
		count = tailBatchCount
	}
	msgs, err := j.client.XRevRangeN(ctx, StreamKey(accountID), "+", "-", count).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read sync journal: %w", err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		values := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			values[k] = stringVal(v)
		}
		entries = append(entries, Entry{ID: msg.ID, AccountID: accountID, Values: values})
	}
	return entries, nil
}

func stringVal(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}
