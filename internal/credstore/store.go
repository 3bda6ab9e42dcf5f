// Package credstore manages the operator's persisted session credential. The
// auth token is read once at session start and attached to every connection
// attempt and REST call; no other durable client-side state exists.
package credstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CredentialPrefix is the Redis key prefix for operator credential hashes.
	CredentialPrefix = "operator:"

	// CredentialTTL is the time-to-live for credential keys.
	CredentialTTL = 12 * time.Hour
)

// Credential is an operator's session credential stored in Redis.
type Credential struct {
	OperatorID string `redis:"operator_id"`
	Token      string `redis:"token"`
	Name       string `redis:"name"`
	IssuedAt   int64  `redis:"issued_at"`   // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages operator credentials in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a credential store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("credstore: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// Save stores a credential with the standard TTL.
func (s *Store) Save(ctx context.Context, cred Credential) error {
	key := CredentialPrefix + cred.OperatorID
	now := time.Now().Unix()
	if cred.IssuedAt == 0 {
		cred.IssuedAt = now
	}

	fields := map[string]interface{}{
		"operator_id": cred.OperatorID,
		"token":       cred.Token,
		"name":        cred.Name,
		"issued_at":   cred.IssuedAt,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, CredentialTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Load retrieves a credential. Returns nil if none is stored.
func (s *Store) Load(ctx context.Context, operatorID string) (*Credential, error) {
	key := CredentialPrefix + operatorID
	var cred Credential
	err := s.client.HGetAll(ctx, key).Scan(&cred)
	if err != nil {
		return nil, err
	}
	if cred.OperatorID == "" {
		return nil, nil // not found
	}
	return &cred, nil
}

// Touch refreshes the credential's last-active timestamp and TTL.
func (s *Store) Touch(ctx context.Context, operatorID string) error {
	key := CredentialPrefix + operatorID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, CredentialTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a credential (explicit logout).
func (s *Store) Delete(ctx context.Context, operatorID string) error {
	key := CredentialPrefix + operatorID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
