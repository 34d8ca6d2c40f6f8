// Package notify delivers user-facing moderation notices.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"modledger/api/internal/moderation"
)

// DefaultStream is where the platform's notification worker reads from.
const DefaultStream = "modledger:notifications"

// Stream appends notices to a Redis stream. The consumer owns delivery.
type Stream struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStream(client *redis.Client, stream string) *Stream {
	if stream == "" {
		stream = DefaultStream
	}
	return &Stream{client: client, stream: stream, maxLen: 100_000}
}

func (s *Stream) Notify(ctx context.Context, n moderation.Notification) error {
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("marshal notification metadata: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"user_id":  n.UserID,
			"title":    n.Title,
			"message":  n.Message,
			"metadata": string(metadata),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Log writes notices to the structured log. Used when no Redis is configured.
type Log struct{}

func (Log) Notify(_ context.Context, n moderation.Notification) error {
	log.Info().
		Str("user_id", n.UserID).
		Str("title", n.Title).
		Str("message", n.Message).
		Interface("metadata", n.Metadata).
		Msg("notification")
	return nil
}
