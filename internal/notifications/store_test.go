package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/donorlink/donorlink/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestPreferenceStoreDefaults(t *testing.T) {
	prefs := NewPreferenceStore(setupTestDB(t))

	p, err := prefs.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, DefaultPreferences("u1"), *p)
}

func TestPreferenceStoreUpdatePartial(t *testing.T) {
	prefs := NewPreferenceStore(setupTestDB(t))
	ctx := context.Background()

	on, off := true, false
	zone := "Africa/Cairo"
	_, err := prefs.Update(ctx, "u1", PreferencesPatch{
		QuietHoursEnabled: &on,
		Timezone:          &zone,
		Categories:        &CategoryPatch{ClubMessages: &off},
	})
	require.NoError(t, err)

	// A second patch leaves earlier fields alone.
	updated, err := prefs.Update(ctx, "u1", PreferencesPatch{BatchNotifications: &on})
	require.NoError(t, err)
	assert.True(t, updated.BatchNotifications)
	assert.True(t, updated.QuietHours.Enabled)

	got, err := prefs.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.QuietHours.Enabled)
	assert.Equal(t, "Africa/Cairo", got.Timezone)
	assert.False(t, got.Categories.ClubMessages)
	assert.True(t, got.Categories.ClubEvents)
	assert.True(t, got.BatchNotifications)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestPreferenceStoreRejectsInvalid(t *testing.T) {
	prefs := NewPreferenceStore(setupTestDB(t))
	ctx := context.Background()

	bad := "25:61"
	_, err := prefs.Update(ctx, "u1", PreferencesPatch{QuietHoursEnd: &bad})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "quiet_hours", ve.Field)

	zone := "Mars/Olympus"
	_, err = prefs.Update(ctx, "u1", PreferencesPatch{Timezone: &zone})
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "timezone", ve.Field)

	// Nothing was written.
	p, err := prefs.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "07:00", p.QuietHours.End)
	assert.Equal(t, "UTC", p.Timezone)
}

func TestStoreAppendAndList(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	first, err := store.Append(ctx, DeliveryLog{
		NotificationID: "n-1", UserID: "u1", EventType: EventDirectMessage,
		Decision: MethodBoth, Method: MethodPush, Reason: ReasonDefault,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, StatusPending, first.Status)

	_, err = store.Append(ctx, DeliveryLog{
		NotificationID: "n-1", UserID: "u1", EventType: EventDirectMessage,
		Decision: MethodBoth, Method: MethodInApp,
	})
	require.NoError(t, err)
	_, err = store.Append(ctx, DeliveryLog{
		NotificationID: "n-2", UserID: "u2", EventType: EventClubMessage,
		Decision: MethodSkipped, Method: MethodSkipped, Status: StatusSkipped,
	})
	require.NoError(t, err)

	logs, err := store.List(ctx, LogFilter{NotificationID: "n-1"})
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	logs, err = store.List(ctx, LogFilter{Status: StatusSkipped})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "u2", logs[0].UserID)

	logs, err = store.List(ctx, LogFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestStoreUpdateStatus(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	l, err := store.Append(ctx, DeliveryLog{
		NotificationID: "n-1", UserID: "u1", EventType: EventDirectMessage,
		Decision: MethodPush, Method: MethodPush,
	})
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, l.ID, LogUpdate{Status: StatusFailed, AttemptNumber: 2, ErrorMessage: "boom"}))
	got, err := store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.AttemptNumber)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Nil(t, got.DeliveredAt)

	require.NoError(t, store.UpdateStatus(ctx, l.ID, LogUpdate{Status: StatusSent, AttemptNumber: 3}))
	got, err = store.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.NotNil(t, got.DeliveredAt)

	err = store.UpdateStatus(ctx, "missing", LogUpdate{Status: StatusSent})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorePushTokens(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.RegisterToken(ctx, PushToken{Token: "ExponentPushToken[a]", UserID: "u1", Platform: "ios"}))
	require.NoError(t, store.RegisterToken(ctx, PushToken{Token: "ExponentPushToken[b]", UserID: "u1"}))

	tokens, err := store.Tokens(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ExponentPushToken[a]", "ExponentPushToken[b]"}, tokens)

	// Re-registering moves the device to its new owner.
	require.NoError(t, store.RegisterToken(ctx, PushToken{Token: "ExponentPushToken[a]", UserID: "u2"}))
	tokens, err = store.Tokens(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ExponentPushToken[b]"}, tokens)

	require.NoError(t, store.RemoveToken(ctx, "ExponentPushToken[b]"))
	require.NoError(t, store.RemoveToken(ctx, "unknown"))
	tokens, err = store.Tokens(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}
