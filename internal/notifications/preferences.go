package notifications

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/donorlink/donorlink/internal/db"
)

// PreferenceSource loads the preferences of one user.
type PreferenceSource interface {
	Get(ctx context.Context, userID string) (*Preferences, error)
}

// PreferenceStore persists notification preferences in SQLite.
type PreferenceStore struct {
	db *db.DB
}

// NewPreferenceStore creates a PreferenceStore backed by the given database.
func NewPreferenceStore(database *db.DB) *PreferenceStore {
	return &PreferenceStore{db: database}
}

const preferenceColumns = `user_id, push_enabled, in_app_enabled, sound_enabled, vibration_enabled,
	quiet_hours_enabled, quiet_hours_start, quiet_hours_end, timezone,
	emergency_alerts, direct_messages, club_messages, club_announcements, club_events,
	join_requests, social_interactions, system_updates,
	emergency_only_mode, batch_notifications, updated_at`

// queryer is implemented by *db.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Get returns the stored preferences, or the defaults when the user never
// saved any.
func (s *PreferenceStore) Get(ctx context.Context, userID string) (*Preferences, error) {
	return getPreferences(ctx, s.db, userID)
}

// Update applies patch over the current preferences and stores the result.
// Fields absent from the patch keep their stored values.
func (s *PreferenceStore) Update(ctx context.Context, userID string, patch PreferencesPatch) (*Preferences, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning preference update: %w", err)
	}
	defer tx.Rollback()

	current, err := getPreferences(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	next := patch.Apply(*current)
	if err := validatePreferences(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC().Truncate(time.Second)

	if err := putPreferences(ctx, tx, next); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing preference update: %w", err)
	}
	return &next, nil
}

// ValidationError marks user input that failed validation.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func validatePreferences(p Preferences) error {
	if err := p.QuietHours.Validate(); err != nil {
		return &ValidationError{Field: "quiet_hours", Err: err}
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return &ValidationError{Field: "timezone", Err: err}
	}
	return nil
}

func getPreferences(ctx context.Context, q queryer, userID string) (*Preferences, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+preferenceColumns+" FROM notification_preferences WHERE user_id = ?", userID)

	var (
		p  Preferences
		c  = &p.Categories
		ts string
	)
	err := row.Scan(&p.UserID, &p.PushEnabled, &p.InAppEnabled, &p.SoundEnabled, &p.VibrationEnabled,
		&p.QuietHours.Enabled, &p.QuietHours.Start, &p.QuietHours.End, &p.Timezone,
		&c.Emergency, &c.DirectMessages, &c.ClubMessages, &c.ClubAnnouncements, &c.ClubEvents,
		&c.JoinRequests, &c.Social, &c.System,
		&p.EmergencyOnlyMode, &p.BatchNotifications, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		def := DefaultPreferences(userID)
		return &def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying preferences for %s: %w", userID, err)
	}
	p.UpdatedAt = parseTimestamp(ts)
	return &p, nil
}

func putPreferences(ctx context.Context, q queryer, p Preferences) error {
	c := p.Categories
	_, err := q.ExecContext(ctx, `
		INSERT INTO notification_preferences (`+preferenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			push_enabled = excluded.push_enabled,
			in_app_enabled = excluded.in_app_enabled,
			sound_enabled = excluded.sound_enabled,
			vibration_enabled = excluded.vibration_enabled,
			quiet_hours_enabled = excluded.quiet_hours_enabled,
			quiet_hours_start = excluded.quiet_hours_start,
			quiet_hours_end = excluded.quiet_hours_end,
			timezone = excluded.timezone,
			emergency_alerts = excluded.emergency_alerts,
			direct_messages = excluded.direct_messages,
			club_messages = excluded.club_messages,
			club_announcements = excluded.club_announcements,
			club_events = excluded.club_events,
			join_requests = excluded.join_requests,
			social_interactions = excluded.social_interactions,
			system_updates = excluded.system_updates,
			emergency_only_mode = excluded.emergency_only_mode,
			batch_notifications = excluded.batch_notifications,
			updated_at = excluded.updated_at`,
		p.UserID, p.PushEnabled, p.InAppEnabled, p.SoundEnabled, p.VibrationEnabled,
		p.QuietHours.Enabled, p.QuietHours.Start, p.QuietHours.End, p.Timezone,
		c.Emergency, c.DirectMessages, c.ClubMessages, c.ClubAnnouncements, c.ClubEvents,
		c.JoinRequests, c.Social, c.System,
		p.EmergencyOnlyMode, p.BatchNotifications, p.UpdatedAt.UTC().Format(time.DateTime),
	)
	if err != nil {
		return fmt.Errorf("upserting preferences for %s: %w", p.UserID, err)
	}
	return nil
}

// parseTimestamp accepts the formats SQLite hands back for DATETIME columns.
func parseTimestamp(ts string) time.Time {
	for _, layout := range []string{time.DateTime, time.RFC3339Nano, "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t
		}
	}
	return time.Time{}
}
