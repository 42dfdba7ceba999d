package idempotency

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/paintops/crewclock/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&Record{}))
	return gdb
}

func TestValidateClientEventID(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	fresh := fmt.Sprintf("%d-abc123", now.Add(-time.Minute).UnixMilli())
	assert.NoError(t, ValidateClientEventID(fresh, now))

	// 24h old exactly is still accepted.
	boundary := fmt.Sprintf("%d-abc123", now.Add(-24*time.Hour).UnixMilli())
	assert.NoError(t, ValidateClientEventID(boundary, now))

	tooOld := fmt.Sprintf("%d-abc123", now.Add(-24*time.Hour-time.Millisecond).UnixMilli())
	err := ValidateClientEventID(tooOld, now)
	require.Error(t, err)
	assert.Equal(t, "expired_client_event_id", apperr.ReasonOf(err))

	future := fmt.Sprintf("%d-abc123", now.Add(time.Second).UnixMilli())
	err = ValidateClientEventID(future, now)
	require.Error(t, err)
	assert.Equal(t, "future_client_event_id", apperr.ReasonOf(err))

	err = ValidateClientEventID("", now)
	require.Error(t, err)
	assert.Equal(t, "missing_client_event_id", apperr.ReasonOf(err))

	err = ValidateClientEventID("not-a-timestamp", now)
	require.Error(t, err)
	assert.Equal(t, "untimestamped_client_event_id", apperr.ReasonOf(err))
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

func TestValidateClientEventIDUUIDv7(t *testing.T) {
	id, err := uuid.NewV7()
	require.NoError(t, err)
	assert.NoError(t, ValidateClientEventID(id.String(), time.Now().UTC().Add(time.Second)))

	// UUIDv4 carries no timestamp.
	v4 := uuid.New()
	err = ValidateClientEventID(v4.String(), time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, "untimestamped_client_event_id", apperr.ReasonOf(err))
}

func TestValidateClientEventIDUUIDv7DecimalFirstGroup(t *testing.T) {
	// A v7 UUID whose first hex group is all decimal digits must still be
	// read as a UUID, not as a {ms}-{opaque} prefix.
	const id = "01974052-1234-7000-8000-0000aabbccdd"
	eventTime := time.UnixMilli(0x019740521234).UTC()

	assert.NoError(t, ValidateClientEventID(id, eventTime.Add(time.Minute)))

	err := ValidateClientEventID(id, eventTime.Add(24*time.Hour+time.Second))
	require.Error(t, err)
	assert.Equal(t, "expired_client_event_id", apperr.ReasonOf(err))
}

func TestStoreRoundTrip(t *testing.T) {
	gdb := testDB(t)
	store := NewStore(DefaultTTL)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	key := Key("clockIn", 42, "123-abc")
	found, err := store.Lookup(ctx, gdb, key, now)
	require.NoError(t, err)
	assert.Nil(t, found)

	require.NoError(t, store.PutTx(ctx, gdb, "clockIn", 42, "123-abc", map[string]any{"timeEntryId": "99"}, now))

	found, err = store.Lookup(ctx, gdb, key, now)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "99", found.Result["timeEntryId"])
	assert.Equal(t, "clockIn", found.Operation)
}

func TestStorePutIsConflictSafe(t *testing.T) {
	gdb := testDB(t)
	store := NewStore(DefaultTTL)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutTx(ctx, gdb, "clockIn", 42, "123-abc", map[string]any{"timeEntryId": "first"}, now))
	// The retry's insert is a no-op; the first result wins.
	require.NoError(t, store.PutTx(ctx, gdb, "clockIn", 42, "123-abc", map[string]any{"timeEntryId": "second"}, now.Add(time.Second)))

	found, err := store.Lookup(ctx, gdb, Key("clockIn", 42, "123-abc"), now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "first", found.Result["timeEntryId"])
}

func TestStoreExpiry(t *testing.T) {
	gdb := testDB(t)
	store := NewStore(time.Hour)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutTx(ctx, gdb, "clockOut", 42, "123-abc", map[string]any{"ok": true}, now))

	found, err := store.Lookup(ctx, gdb, Key("clockOut", 42, "123-abc"), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, found)

	deleted, err := store.DeleteExpired(ctx, gdb, now.Add(2*time.Hour), 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestKeyScopesByOperationAndCompany(t *testing.T) {
	assert.NotEqual(t, Key("clockIn", 1, "x"), Key("clockOut", 1, "x"))
	assert.NotEqual(t, Key("clockIn", 1, "x"), Key("clockIn", 2, "x"))
}
