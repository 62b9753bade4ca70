package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"teamchat/backend/internal/auth"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ auth.RefreshTokenStore = (*RefreshTokenStore)(nil)

// replaceScript swaps a record's token only if the caller still holds the
// current value. Running it as one script makes the check and the write a
// single atomic step.
//
// KEYS: record, old token index, new token index, user set
// ARGV: old hash, new hash, record id, expires_at ms, purge_at ms
var replaceScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'token_hash')
	if current ~= ARGV[1] then
		return 0
	end
	redis.call('DEL', KEYS[2])
	redis.call('HSET', KEYS[1], 'token_hash', ARGV[2], 'expires_at', ARGV[4])
	redis.call('PEXPIREAT', KEYS[1], ARGV[5])
	redis.call('SET', KEYS[3], ARGV[3])
	redis.call('PEXPIREAT', KEYS[3], ARGV[5])
	redis.call('PEXPIREAT', KEYS[4], ARGV[5])
	return 1
`)

// RefreshTokenStore keeps refresh token records in Redis. Raw token values
// are never stored, only their SHA-256 digests.
//
// Layout:
//
//	<prefix>rec:<id>      hash {user_id, token_hash, expires_at}
//	<prefix>tok:<digest>  record id
//	<prefix>user:<uid>    set of record ids
//
// Keys outlive the token by the retention window so that a late rotation
// attempt reports "expired" rather than "not found".
type RefreshTokenStore struct {
	rdb       *redis.Client
	prefix    string
	retention time.Duration
}

// NewRefreshTokenStore creates a Redis-backed refresh token store.
func NewRefreshTokenStore(rdb *redis.Client, retention time.Duration) *RefreshTokenStore {
	return &RefreshTokenStore{rdb: rdb, prefix: "refresh:", retention: retention}
}

func (s *RefreshTokenStore) recKey(id string) string      { return s.prefix + "rec:" + id }
func (s *RefreshTokenStore) tokKey(digest string) string  { return s.prefix + "tok:" + digest }
func (s *RefreshTokenStore) userKey(userID string) string { return s.prefix + "user:" + userID }

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create stores a new record for userID.
func (s *RefreshTokenStore) Create(ctx context.Context, userID, token string, expiresAt time.Time) (*auth.RefreshRecord, error) {
	id := uuid.NewString()
	d := digest(token)
	purgeAt := expiresAt.Add(s.retention)

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.recKey(id),
			"user_id", userID,
			"token_hash", d,
			"expires_at", strconv.FormatInt(expiresAt.UnixMilli(), 10),
		)
		pipe.PExpireAt(ctx, s.recKey(id), purgeAt)
		pipe.Set(ctx, s.tokKey(d), id, 0)
		pipe.PExpireAt(ctx, s.tokKey(d), purgeAt)
		pipe.SAdd(ctx, s.userKey(userID), id)
		pipe.PExpireAt(ctx, s.userKey(userID), purgeAt)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create refresh record: %w", err)
	}

	return &auth.RefreshRecord{ID: id, UserID: userID, ExpiresAt: expiresAt}, nil
}

// FindByToken returns the record currently holding token, or nil.
func (s *RefreshTokenStore) FindByToken(ctx context.Context, token string) (*auth.RefreshRecord, error) {
	d := digest(token)

	id, err := s.rdb.Get(ctx, s.tokKey(d)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}

	fields, err := s.rdb.HGetAll(ctx, s.recKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load refresh record: %w", err)
	}
	// A stale index entry can outlive a deleted or rotated record.
	if len(fields) == 0 || fields["token_hash"] != d {
		return nil, nil
	}

	ms, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt refresh record %s: %w", id, err)
	}

	return &auth.RefreshRecord{
		ID:        id,
		UserID:    fields["user_id"],
		ExpiresAt: time.UnixMilli(ms),
	}, nil
}

// DeleteAllForUser removes every record of userID.
func (s *RefreshTokenStore) DeleteAllForUser(ctx context.Context, userID string) error {
	ids, err := s.rdb.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("list refresh records: %w", err)
	}

	keys := []string{s.userKey(userID)}
	for _, id := range ids {
		d, err := s.rdb.HGet(ctx, s.recKey(id), "token_hash").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("load refresh record: %w", err)
		}
		if d != "" {
			keys = append(keys, s.tokKey(d))
		}
		keys = append(keys, s.recKey(id))
	}

	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete refresh records: %w", err)
	}
	return nil
}

// DeleteByToken removes the record holding token, if any.
func (s *RefreshTokenStore) DeleteByToken(ctx context.Context, token string) error {
	rec, err := s.FindByToken(ctx, token)
	if err != nil || rec == nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.tokKey(digest(token)), s.recKey(rec.ID))
		pipe.SRem(ctx, s.userKey(rec.UserID), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete refresh record: %w", err)
	}
	return nil
}

// Replace swaps the token of recordID from oldToken to newToken.
func (s *RefreshTokenStore) Replace(ctx context.Context, recordID, oldToken, newToken string, expiresAt time.Time) (bool, error) {
	userID, err := s.rdb.HGet(ctx, s.recKey(recordID), "user_id").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load refresh record: %w", err)
	}

	oldDigest, newDigest := digest(oldToken), digest(newToken)
	purgeAt := expiresAt.Add(s.retention)

	n, err := replaceScript.Run(ctx, s.rdb,
		[]string{s.recKey(recordID), s.tokKey(oldDigest), s.tokKey(newDigest), s.userKey(userID)},
		oldDigest, newDigest, recordID,
		strconv.FormatInt(expiresAt.UnixMilli(), 10),
		strconv.FormatInt(purgeAt.UnixMilli(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("replace refresh token: %w", err)
	}
	return n == 1, nil
}
