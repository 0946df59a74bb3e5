package notifications

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/donorlink/donorlink/internal/db"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a delivery log row does not exist.
var ErrNotFound = errors.New("not found")

// LogFilter controls which delivery logs are returned by List.
type LogFilter struct {
	UserID         string
	NotificationID string
	Status         DeliveryStatus
	Limit          int
	Offset         int
}

// LogUpdate describes a status transition of one delivery log row.
type LogUpdate struct {
	Status        DeliveryStatus
	AttemptNumber int
	ErrorMessage  string
}

// PushToken is a device token registered for push delivery.
type PushToken struct {
	Token    string `json:"token" validate:"required"`
	UserID   string `json:"user_id" validate:"required"`
	Platform string `json:"platform" validate:"omitempty,oneof=ios android web"`
}

// Store holds delivery logs and push tokens.
type Store struct {
	db *db.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Append inserts a delivery log row. An empty ID is replaced by a UUID and a
// zero CreatedAt by the current time.
func (s *Store) Append(ctx context.Context, l DeliveryLog) (DeliveryLog, error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	if l.Status == "" {
		l.Status = StatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_logs (id, notification_id, user_id, event_type, decision, delivery_method,
			status, attempt_number, error_message, reason, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.NotificationID, l.UserID, string(l.EventType), string(l.Decision), string(l.Method),
		string(l.Status), l.AttemptNumber, nullString(l.ErrorMessage), l.Reason,
		l.CreatedAt.UTC().Format(time.DateTime), nullTime(l.DeliveredAt),
	)
	if err != nil {
		return l, fmt.Errorf("inserting delivery log: %w", err)
	}
	return l, nil
}

// UpdateStatus moves a log row to a new status. Sent and delivered rows get a
// delivered_at timestamp.
func (s *Store) UpdateStatus(ctx context.Context, id string, u LogUpdate) error {
	var deliveredAt any
	if u.Status == StatusSent || u.Status == StatusDelivered {
		deliveredAt = time.Now().UTC().Format(time.DateTime)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_logs
		SET status = ?, attempt_number = ?, error_message = ?, delivered_at = COALESCE(?, delivered_at)
		WHERE id = ?`,
		string(u.Status), u.AttemptNumber, nullString(u.ErrorMessage), deliveredAt, id,
	)
	if err != nil {
		return fmt.Errorf("updating delivery log %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delivery log %s: %w", id, ErrNotFound)
	}
	return nil
}

const logColumns = `id, notification_id, user_id, event_type, decision, delivery_method,
	status, attempt_number, error_message, reason, created_at, delivered_at`

// Get retrieves a single delivery log row.
func (s *Store) Get(ctx context.Context, id string) (*DeliveryLog, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+logColumns+" FROM delivery_logs WHERE id = ?", id)
	l, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery log %s: %w", id, ErrNotFound)
	}
	return l, err
}

// List returns delivery logs matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter LogFilter) ([]DeliveryLog, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.NotificationID != "" {
		clauses = append(clauses, "notification_id = ?")
		args = append(args, filter.NotificationID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT " + logColumns + " FROM delivery_logs"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery logs: %w", err)
	}
	defer rows.Close()

	var result []DeliveryLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery log: %w", err)
		}
		result = append(result, *l)
	}
	return result, rows.Err()
}

// RegisterToken stores a push token. Re-registering a token moves it to the
// new owner.
func (s *Store) RegisterToken(ctx context.Context, t PushToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_tokens (token, user_id, platform) VALUES (?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET user_id = excluded.user_id, platform = excluded.platform`,
		t.Token, t.UserID, t.Platform,
	)
	if err != nil {
		return fmt.Errorf("registering push token: %w", err)
	}
	return nil
}

// RemoveToken deletes a push token; unknown tokens are ignored.
func (s *Store) RemoveToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM push_tokens WHERE token = ?", token); err != nil {
		return fmt.Errorf("removing push token: %w", err)
	}
	return nil
}

// Tokens returns every push token registered for userID.
func (s *Store) Tokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT token FROM push_tokens WHERE user_id = ? ORDER BY created_at, token", userID)
	if err != nil {
		return nil, fmt.Errorf("querying push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scanning push token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLog(sc scanner) (*DeliveryLog, error) {
	var (
		l                   DeliveryLog
		eventType, decision string
		method, status      string
		errMsg, deliveredAt sql.NullString
		createdAt           string
	)

	err := sc.Scan(&l.ID, &l.NotificationID, &l.UserID, &eventType, &decision, &method,
		&status, &l.AttemptNumber, &errMsg, &l.Reason, &createdAt, &deliveredAt)
	if err != nil {
		return nil, err
	}

	l.EventType = EventType(eventType)
	l.Decision = DeliveryMethod(decision)
	l.Method = DeliveryMethod(method)
	l.Status = DeliveryStatus(status)
	l.ErrorMessage = errMsg.String
	l.CreatedAt = parseTimestamp(createdAt)
	if deliveredAt.Valid {
		t := parseTimestamp(deliveredAt.String)
		l.DeliveredAt = &t
	}
	return &l, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.DateTime)
}
