package notifications

import "time"

// EventType identifies the occurrence that triggered a notification.
type EventType string

const (
	EventEmergencyBloodRequest  EventType = "emergency_blood_request"
	EventDirectMessage          EventType = "direct_message"
	EventClubMessage            EventType = "club_message"
	EventClubAnnouncement       EventType = "club_announcement"
	EventClubAnnouncementUrgent EventType = "club_announcement_urgent"
	EventClubEvent              EventType = "club_event"
	EventEventReminder          EventType = "event_reminder"
	EventJoinRequest            EventType = "join_request"
	EventJoinRequestApproved    EventType = "join_request_approved"
	EventSocialInteraction      EventType = "social_interaction"
	EventSystemUpdate           EventType = "system_update"
	EventTypingIndicator        EventType = "typing_indicator"
)

// Priority ranks how disruptive a notification is allowed to be.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Channel is a single delivery transport.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// DeliveryMethod is the outcome of a delivery decision.
type DeliveryMethod string

const (
	MethodPush    DeliveryMethod = "push"
	MethodInApp   DeliveryMethod = "in_app"
	MethodBoth    DeliveryMethod = "both"
	MethodSkipped DeliveryMethod = "skipped"
)

// DeliveryStatus tracks a delivery log row through its lifecycle.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusSkipped   DeliveryStatus = "skipped"
)

// Category groups event types under one user-facing toggle.
type Category string

const (
	CategoryEmergency         Category = "emergency"
	CategoryDirectMessages    Category = "direct_messages"
	CategoryClubMessages      Category = "club_messages"
	CategoryClubAnnouncements Category = "club_announcements"
	CategoryClubEvents        Category = "club_events"
	CategoryJoinRequests      Category = "join_requests"
	CategorySocial            Category = "social"
	CategorySystem            Category = "system"
)

// AppState is the client application's lifecycle state.
type AppState string

const (
	AppForeground AppState = "foreground"
	AppBackground AppState = "background"
	AppUnknown    AppState = "unknown"
)

// ActivityLevel estimates how engaged the user currently is.
type ActivityLevel string

const (
	ActivityHigh   ActivityLevel = "high"
	ActivityMedium ActivityLevel = "medium"
	ActivityLow    ActivityLevel = "low"
)

// PriorityConfig is the static delivery profile of an event type.
type PriorityConfig struct {
	Priority           Priority  `json:"priority"`
	DefaultChannels    []Channel `json:"default_channels"`
	CanBeBatched       bool      `json:"can_be_batched"`
	MaxDelayMinutes    int       `json:"max_delay_minutes"`
	RequiresPermission bool      `json:"requires_permission"`
}

// HasChannel reports whether ch is one of the default channels.
func (c PriorityConfig) HasChannel(ch Channel) bool {
	for _, d := range c.DefaultChannels {
		if d == ch {
			return true
		}
	}
	return false
}

// MaxDelay returns MaxDelayMinutes as a duration.
func (c PriorityConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMinutes) * time.Minute
}

// Event is a single triggering occurrence addressed to one user.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type" validate:"required"`
	UserID      string            `json:"user_id" validate:"required"`
	Title       string            `json:"title" validate:"required"`
	Body        string            `json:"body"`
	RelatedID   string            `json:"related_id,omitempty"`
	RelatedType string            `json:"related_type,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Expired reports whether the event expired before now.
func (e Event) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// QuietHours is a daily local time window, "HH:MM" bounds, end exclusive.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// CategoryToggles holds one independent switch per category.
type CategoryToggles struct {
	Emergency         bool `json:"emergency"`
	DirectMessages    bool `json:"direct_messages"`
	ClubMessages      bool `json:"club_messages"`
	ClubAnnouncements bool `json:"club_announcements"`
	ClubEvents        bool `json:"club_events"`
	JoinRequests      bool `json:"join_requests"`
	Social            bool `json:"social"`
	System            bool `json:"system"`
}

// Enabled returns the toggle for c. Unknown categories count as enabled.
func (t CategoryToggles) Enabled(c Category) bool {
	switch c {
	case CategoryEmergency:
		return t.Emergency
	case CategoryDirectMessages:
		return t.DirectMessages
	case CategoryClubMessages:
		return t.ClubMessages
	case CategoryClubAnnouncements:
		return t.ClubAnnouncements
	case CategoryClubEvents:
		return t.ClubEvents
	case CategoryJoinRequests:
		return t.JoinRequests
	case CategorySocial:
		return t.Social
	case CategorySystem:
		return t.System
	}
	return true
}

// Preferences are one user's notification settings.
type Preferences struct {
	UserID             string          `json:"user_id"`
	PushEnabled        bool            `json:"push_enabled"`
	InAppEnabled       bool            `json:"in_app_enabled"`
	SoundEnabled       bool            `json:"sound_enabled"`
	VibrationEnabled   bool            `json:"vibration_enabled"`
	QuietHours         QuietHours      `json:"quiet_hours"`
	Timezone           string          `json:"timezone"`
	Categories         CategoryToggles `json:"categories"`
	EmergencyOnlyMode  bool            `json:"emergency_only_mode"`
	BatchNotifications bool            `json:"batch_notifications"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// DefaultPreferences returns the settings of a user who never changed any.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:           userID,
		PushEnabled:      true,
		InAppEnabled:     true,
		SoundEnabled:     true,
		VibrationEnabled: true,
		QuietHours:       QuietHours{Enabled: false, Start: "22:00", End: "07:00"},
		Timezone:         "UTC",
		Categories: CategoryToggles{
			Emergency:         true,
			DirectMessages:    true,
			ClubMessages:      true,
			ClubAnnouncements: true,
			ClubEvents:        true,
			JoinRequests:      true,
			Social:            true,
			System:            true,
		},
	}
}

// FallbackPreferences is used when the preference store cannot be read.
// Delivery degrades to permissive settings instead of being dropped.
func FallbackPreferences(userID string) Preferences {
	p := DefaultPreferences(userID)
	p.QuietHours.Enabled = false
	p.EmergencyOnlyMode = false
	p.BatchNotifications = false
	return p
}

// PreferencesPatch is a partial update; nil fields are left untouched.
type PreferencesPatch struct {
	PushEnabled        *bool          `json:"push_enabled,omitempty"`
	InAppEnabled       *bool          `json:"in_app_enabled,omitempty"`
	SoundEnabled       *bool          `json:"sound_enabled,omitempty"`
	VibrationEnabled   *bool          `json:"vibration_enabled,omitempty"`
	QuietHoursEnabled  *bool          `json:"quiet_hours_enabled,omitempty"`
	QuietHoursStart    *string        `json:"quiet_hours_start,omitempty" validate:"omitempty,clock"`
	QuietHoursEnd      *string        `json:"quiet_hours_end,omitempty" validate:"omitempty,clock"`
	Timezone           *string        `json:"timezone,omitempty" validate:"omitempty,tzname"`
	Categories         *CategoryPatch `json:"categories,omitempty"`
	EmergencyOnlyMode  *bool          `json:"emergency_only_mode,omitempty"`
	BatchNotifications *bool          `json:"batch_notifications,omitempty"`
}

// CategoryPatch is the partial form of CategoryToggles.
type CategoryPatch struct {
	Emergency         *bool `json:"emergency,omitempty"`
	DirectMessages    *bool `json:"direct_messages,omitempty"`
	ClubMessages      *bool `json:"club_messages,omitempty"`
	ClubAnnouncements *bool `json:"club_announcements,omitempty"`
	ClubEvents        *bool `json:"club_events,omitempty"`
	JoinRequests      *bool `json:"join_requests,omitempty"`
	Social            *bool `json:"social,omitempty"`
	System            *bool `json:"system,omitempty"`
}

// Apply returns p with every non-nil field of patch written over it.
func (patch PreferencesPatch) Apply(p Preferences) Preferences {
	setBool(&p.PushEnabled, patch.PushEnabled)
	setBool(&p.InAppEnabled, patch.InAppEnabled)
	setBool(&p.SoundEnabled, patch.SoundEnabled)
	setBool(&p.VibrationEnabled, patch.VibrationEnabled)
	setBool(&p.QuietHours.Enabled, patch.QuietHoursEnabled)
	setString(&p.QuietHours.Start, patch.QuietHoursStart)
	setString(&p.QuietHours.End, patch.QuietHoursEnd)
	setString(&p.Timezone, patch.Timezone)
	setBool(&p.EmergencyOnlyMode, patch.EmergencyOnlyMode)
	setBool(&p.BatchNotifications, patch.BatchNotifications)

	if c := patch.Categories; c != nil {
		setBool(&p.Categories.Emergency, c.Emergency)
		setBool(&p.Categories.DirectMessages, c.DirectMessages)
		setBool(&p.Categories.ClubMessages, c.ClubMessages)
		setBool(&p.Categories.ClubAnnouncements, c.ClubAnnouncements)
		setBool(&p.Categories.ClubEvents, c.ClubEvents)
		setBool(&p.Categories.JoinRequests, c.JoinRequests)
		setBool(&p.Categories.Social, c.Social)
		setBool(&p.Categories.System, c.System)
	}
	return p
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// RuntimeContext is the client-side situation at decision time.
type RuntimeContext struct {
	AppState AppState      `json:"app_state" validate:"omitempty,oneof=foreground background unknown"`
	Activity ActivityLevel `json:"activity" validate:"omitempty,oneof=high medium low"`
	Now      time.Time     `json:"now"`
}

// Decision is the computed delivery plan for one event.
type Decision struct {
	SendPush  bool           `json:"should_send_push"`
	SendInApp bool           `json:"should_send_in_app"`
	Method    DeliveryMethod `json:"delivery_method"`
	Reason    string         `json:"reason"`
}

// Channels lists the channels the decision selected.
func (d Decision) Channels() []Channel {
	var out []Channel
	if d.SendPush {
		out = append(out, ChannelPush)
	}
	if d.SendInApp {
		out = append(out, ChannelInApp)
	}
	return out
}

// DeliveryLog is one append-only delivery attempt record.
type DeliveryLog struct {
	ID             string         `json:"id"`
	NotificationID string         `json:"notification_id"`
	UserID         string         `json:"user_id"`
	EventType      EventType      `json:"event_type"`
	Decision       DeliveryMethod `json:"decision"`
	Method         DeliveryMethod `json:"delivery_method"`
	Status         DeliveryStatus `json:"status"`
	AttemptNumber  int            `json:"attempt_number"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}

// Outcome summarises what Dispatch did with an event.
type Outcome struct {
	Event    Event          `json:"event"`
	Config   PriorityConfig `json:"config"`
	Decision Decision       `json:"decision"`
	Logs     []DeliveryLog  `json:"logs"`
	Batched  bool           `json:"batched"`
}
