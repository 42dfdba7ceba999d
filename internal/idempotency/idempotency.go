// Package idempotency stores the result of mutating operations keyed by
// client event ID, so retries return the stored result instead of
// re-executing side effects. Records are written inside the same
// transaction as the operation's side effects.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/paintops/crewclock/pkg/apperr"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTTL is how long a stored result stays replayable.
const DefaultTTL = 48 * time.Hour

// MaxClientEventAge bounds how old a client event ID may be.
const MaxClientEventAge = 24 * time.Hour

// Record maps an operation key to its stored result until ExpiresAt.
type Record struct {
	Key           string            `gorm:"primaryKey" json:"key"`
	CompanyID     snowflake.ID      `gorm:"not null;index" json:"companyId"`
	Operation     string            `gorm:"not null" json:"operation"`
	ClientEventID string            `gorm:"not null" json:"clientEventId"`
	Result        datatypes.JSONMap `gorm:"not null" json:"result"`
	CreatedAt     time.Time         `gorm:"not null" json:"createdAt"`
	ExpiresAt     time.Time         `gorm:"not null;index" json:"expiresAt"`
}

// TableName sets the database table name.
func (Record) TableName() string { return "idempotency_records" }

// Key builds the canonical idempotency key.
func Key(op string, companyID snowflake.ID, clientEventID string) string {
	return fmt.Sprintf("%s:%s:%s", op, companyID.String(), clientEventID)
}

// ValidateClientEventID checks that id embeds a timestamp no older than
// 24h and not in the future. Accepted forms are {ms-since-epoch}-{opaque}
// and UUIDv7.
func ValidateClientEventID(id string, now time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperr.InvalidArgument("missing_client_event_id", "clientEventId is required")
	}

	ms, err := embeddedTimestampMillis(id)
	if err != nil {
		return apperr.InvalidArgument("untimestamped_client_event_id",
			"clientEventId must embed a millisecond timestamp ({ms}-{opaque} or UUIDv7)")
	}

	eventTime := time.UnixMilli(ms).UTC()
	if eventTime.After(now) {
		return apperr.InvalidArgument("future_client_event_id", "clientEventId timestamp is in the future")
	}
	if now.Sub(eventTime) > MaxClientEventAge {
		return apperr.InvalidArgument("expired_client_event_id", "clientEventId is older than 24h")
	}
	return nil
}

func embeddedTimestampMillis(id string) (int64, error) {
	// UUIDs must win over the {ms}-{opaque} form: a v7 UUID whose first
	// hex group happens to be all decimal digits would otherwise be read
	// as a millisecond prefix.
	if parsed, err := uuid.Parse(id); err == nil {
		if parsed.Version() != 7 {
			return 0, errors.New("no embedded timestamp")
		}
		// UUIDv7 carries milliseconds since epoch in the first 48 bits.
		b := parsed[:]
		ms := int64(b[0])<<40 | int64(b[1])<<32 | int64(b[2])<<24 |
			int64(b[3])<<16 | int64(b[4])<<8 | int64(b[5])
		return ms, nil
	}

	if prefix, _, ok := strings.Cut(id, "-"); ok {
		if ms, err := strconv.ParseInt(prefix, 10, 64); err == nil && ms > 0 {
			return ms, nil
		}
	}
	return 0, errors.New("no embedded timestamp")
}

// Store reads and writes idempotency records on the shared pool.
type Store struct {
	ttl time.Duration
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{ttl: ttl}
}

func (s *Store) TTL() time.Duration { return s.ttl }

// Lookup returns the stored result for key, ignoring expired records.
func (s *Store) Lookup(ctx context.Context, tx *gorm.DB, key string, now time.Time) (*Record, error) {
	var record Record
	err := tx.WithContext(ctx).
		Where("key = ? AND expires_at > ?", key, now).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// PutTx inserts the record within the caller's transaction. Unique-insert
// semantics make concurrent retries collapse onto a single writer.
func (s *Store) PutTx(ctx context.Context, tx *gorm.DB, op string, companyID snowflake.ID, clientEventID string, result map[string]any, now time.Time) error {
	record := Record{
		Key:           Key(op, companyID, clientEventID),
		CompanyID:     companyID,
		Operation:     op,
		ClientEventID: clientEventID,
		Result:        datatypes.JSONMap(result),
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
}

// DeleteExpired removes records past their TTL, at most limit per call.
func (s *Store) DeleteExpired(ctx context.Context, tx *gorm.DB, now time.Time, limit int) (int64, error) {
	result := tx.WithContext(ctx).
		Where("key IN (?)", tx.Model(&Record{}).Select("key").Where("expires_at <= ?", now).Limit(limit)).
		Delete(&Record{})
	return result.RowsAffected, result.Error
}
