package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voice-relay-lab/internal/logging"
)

// Turn senders. Field values match the persisted wire format consumed by
// transcript download clients.
const (
	SenderUser      = "user"
	SenderAssistant = "bot"
)

const defaultTTL = 24 * time.Hour

// ErrNotFound is returned by Fetch when no transcript was ever flushed for
// the session, or the flush expired.
var ErrNotFound = errors.New("conversation not found")

// Turn is one transcript entry. Immutable once appended; ordering is
// append order.
type Turn struct {
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata is derived from the turn list at flush time.
type Metadata struct {
	Created           string `json:"created"`
	Downloaded        string `json:"downloaded"`
	NumberOfRequests  int    `json:"number_of_requests"`
	NumberOfResponses int    `json:"number_of_responses"`
}

// Conversation is the persisted record: metadata plus the full ordered
// transcript.
type Conversation struct {
	Metadata Metadata `json:"metadata"`
	Messages []Turn   `json:"messages"`
}

// ConversationStore persists session transcripts in Redis with a fixed
// expiry. Every flush overwrites the previous value for the session key
// (last write wins); the relay always flushes the complete turn list.
type ConversationStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Option configures a ConversationStore.
type Option func(*ConversationStore)

// WithTTL overrides the default 24h expiry. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *ConversationStore) { s.ttl = ttl }
}

// New creates a ConversationStore on an existing Redis client.
func New(client *redis.Client, opts ...Option) *ConversationStore {
	s := &ConversationStore{client: client, ttl: defaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client builds a Redis client from REDIS_URL (default
// redis://localhost:6379) and optional REDIS_PASSWORD without checking
// connectivity.
func Client() (*redis.Client, error) {
	url := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if url == "" {
		url = "redis://localhost:6379"
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		opt.Password = pw
	}
	return redis.NewClient(opt), nil
}

// Connect builds the Redis client and verifies it with a PING. A ping
// failure still returns the client; persistence is best effort and the
// relay runs without it.
func Connect(ctx context.Context) (*redis.Client, error) {
	client, err := Client()
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return client, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// Append serializes the full turn list plus derived metadata and stores it
// at {tenant}:conversation:{session}, replacing any prior value.
func (s *ConversationStore) Append(ctx context.Context, tenant, session string, turns []Turn) error {
	if len(turns) == 0 {
		logging.Warnw("store: append called with empty transcript", logging.SessionFields(tenant, session)...)
		return nil
	}
	conv := Conversation{
		Metadata: Metadata{
			Created:    turns[0].Timestamp.UTC().Format(time.RFC3339Nano),
			Downloaded: time.Now().UTC().Format(time.RFC3339Nano),
		},
		Messages: turns,
	}
	for _, t := range turns {
		switch t.Sender {
		case SenderUser:
			conv.Metadata.NumberOfRequests++
		case SenderAssistant:
			conv.Metadata.NumberOfResponses++
		}
	}
	data, err := json.Marshal(&conv)
	if err != nil {
		return fmt.Errorf("marshaling conversation: %w", err)
	}
	key := conversationKey(tenant, session)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	logging.Debugw("store: conversation flushed", "key", key, "turns", len(turns))
	return nil
}

// Fetch returns the most recent flush for the session as raw JSON, or
// ErrNotFound. Absence is normal, not a failure.
func (s *ConversationStore) Fetch(ctx context.Context, tenant, session string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, conversationKey(tenant, session)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return json.RawMessage(data), nil
}

func conversationKey(tenant, session string) string {
	return fmt.Sprintf("%s:conversation:%s", tenant, session)
}
