package notifications

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// noon is outside the default 22:00-07:00 quiet window.
var noon = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func event(t EventType) Event {
	return Event{ID: "n-1", Type: t, UserID: "u1", Title: "title", CreatedAt: noon}
}

func rcAt(state AppState, activity ActivityLevel, now time.Time) RuntimeContext {
	return RuntimeContext{AppState: state, Activity: activity, Now: now}
}

func decide(ev Event, prefs Preferences, rc RuntimeContext) Decision {
	return Decide(ev, prefs, ClassifyOrDefault(ev.Type), rc)
}

func TestDecideUrgentBypassesEverything(t *testing.T) {
	prefs := DefaultPreferences("u1")
	prefs.EmergencyOnlyMode = true
	prefs.Categories.Emergency = false
	prefs.QuietHours = QuietHours{Enabled: true, Start: "00:00", End: "23:59"}

	for _, state := range []AppState{AppForeground, AppBackground, AppUnknown} {
		for _, activity := range []ActivityLevel{ActivityHigh, ActivityMedium, ActivityLow} {
			d := decide(event(EventEmergencyBloodRequest), prefs, rcAt(state, activity, noon))
			assert.Equal(t, MethodBoth, d.Method, "%s/%s", state, activity)
			assert.True(t, d.SendPush)
			assert.True(t, d.SendInApp)
			assert.Equal(t, ReasonUrgent, d.Reason)
		}
	}
}

func TestDecideUrgentStillHonoursGlobalToggles(t *testing.T) {
	prefs := DefaultPreferences("u1")
	prefs.PushEnabled = false

	d := decide(event(EventEmergencyBloodRequest), prefs, rcAt(AppBackground, ActivityLow, noon))
	assert.Equal(t, MethodInApp, d.Method)
	assert.False(t, d.SendPush)

	prefs.InAppEnabled = false
	d = decide(event(EventEmergencyBloodRequest), prefs, rcAt(AppBackground, ActivityLow, noon))
	assert.Equal(t, MethodSkipped, d.Method)
	assert.Equal(t, ReasonChannelsDisabled, d.Reason)
}

func TestDecideEmergencyOnlySuppressesNonUrgent(t *testing.T) {
	prefs := DefaultPreferences("u1")
	prefs.EmergencyOnlyMode = true

	for _, typ := range KnownEventTypes() {
		cfg := ClassifyOrDefault(typ)
		if cfg.Priority == PriorityUrgent {
			continue
		}
		d := decide(event(typ), prefs, rcAt(AppBackground, ActivityLow, noon))
		assert.Equal(t, MethodSkipped, d.Method, typ)
		assert.Equal(t, ReasonEmergencyOnly, d.Reason, typ)
	}
}

func TestDecideCategoryDisabled(t *testing.T) {
	prefs := DefaultPreferences("u1")
	prefs.Categories.ClubMessages = false

	d := decide(event(EventClubMessage), prefs, rcAt(AppBackground, ActivityLow, noon))
	assert.Equal(t, MethodSkipped, d.Method)
	assert.Equal(t, ReasonCategoryDisabled, d.Reason)

	// Other categories are independent.
	d = decide(event(EventDirectMessage), prefs, rcAt(AppBackground, ActivityLow, noon))
	assert.Equal(t, MethodPush, d.Method)
}

func TestDecideUrgentAnnouncementWithCategoryOff(t *testing.T) {
	prefs := DefaultPreferences("u1")
	prefs.Categories.ClubAnnouncements = false

	d := decide(event(EventClubAnnouncementUrgent), prefs, rcAt(AppBackground, ActivityMedium, noon))
	assert.Equal(t, MethodBoth, d.Method)

	d = decide(event(EventClubAnnouncement), prefs, rcAt(AppBackground, ActivityMedium, noon))
	assert.Equal(t, MethodSkipped, d.Method)
}

func TestDecideQuietHours(t *testing.T) {
	prefs := DefaultPreferences("u1")
	prefs.QuietHours = QuietHours{Enabled: true, Start: "22:00", End: "07:00"}
	late := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)
	early := time.Date(2026, 3, 15, 6, 59, 0, 0, time.UTC)

	tests := []struct {
		name  string
		typ   EventType
		rc    RuntimeContext
		want  DeliveryMethod
		cause string
	}{
		{"medium background skipped", EventClubMessage, rcAt(AppBackground, ActivityLow, late), MethodSkipped, ReasonQuietHours},
		{"low background skipped", EventSocialInteraction, rcAt(AppBackground, ActivityMedium, early), MethodSkipped, ReasonQuietHours},
		{"medium foreground in-app", EventJoinRequest, rcAt(AppForeground, ActivityLow, late), MethodInApp, ReasonQuietHours},
		{"unknown state skipped", EventClubEvent, rcAt(AppUnknown, ActivityMedium, late), MethodSkipped, ReasonQuietHours},
		{"high unaffected", EventDirectMessage, rcAt(AppBackground, ActivityLow, late), MethodPush, ReasonAway},
		{"urgent unaffected", EventEmergencyBloodRequest, rcAt(AppBackground, ActivityLow, late), MethodBoth, ReasonUrgent},
		{"end is exclusive", EventClubMessage, rcAt(AppBackground, ActivityLow, early.Add(time.Minute)), MethodPush, ReasonAway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decide(event(tt.typ), prefs, tt.rc)
			assert.Equal(t, tt.want, d.Method)
			assert.Equal(t, tt.cause, d.Reason)
		})
	}
}

func TestDecideQuietHoursUsesPreferenceZone(t *testing.T) {
	prefs := DefaultPreferences("u1")
	prefs.QuietHours = QuietHours{Enabled: true, Start: "22:00", End: "07:00"}
	prefs.Timezone = "Asia/Tokyo"

	// 14:00 UTC is 23:00 in Tokyo.
	now := time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC)
	d := decide(event(EventClubMessage), prefs, rcAt(AppBackground, ActivityLow, now))
	assert.Equal(t, MethodSkipped, d.Method)
	assert.Equal(t, ReasonQuietHours, d.Reason)
}

func TestDecideForegroundHighActivity(t *testing.T) {
	prefs := DefaultPreferences("u1")

	d := decide(event(EventDirectMessage), prefs, rcAt(AppForeground, ActivityHigh, noon))
	assert.Equal(t, MethodInApp, d.Method)
	assert.False(t, d.SendPush)
	assert.Equal(t, ReasonActiveUser, d.Reason)
}

func TestDecideAwayGetsPush(t *testing.T) {
	prefs := DefaultPreferences("u1")

	d := decide(event(EventClubEvent), prefs, rcAt(AppBackground, ActivityHigh, noon))
	assert.Equal(t, MethodPush, d.Method)

	d = decide(event(EventClubEvent), prefs, rcAt(AppForeground, ActivityLow, noon))
	assert.Equal(t, MethodPush, d.Method)
	assert.Equal(t, ReasonAway, d.Reason)
}

func TestDecideDefaultChannels(t *testing.T) {
	prefs := DefaultPreferences("u1")

	d := decide(event(EventClubMessage), prefs, rcAt(AppForeground, ActivityMedium, noon))
	assert.Equal(t, MethodBoth, d.Method)
	assert.Equal(t, ReasonDefault, d.Reason)

	d = decide(event(EventEventReminder), prefs, rcAt(AppUnknown, ActivityMedium, noon))
	assert.Equal(t, MethodPush, d.Method)

	d = decide(event(EventSystemUpdate), prefs, rcAt(AppUnknown, ActivityMedium, noon))
	assert.Equal(t, MethodInApp, d.Method)
}

func TestDecideGlobalToggleDropsChannel(t *testing.T) {
	prefs := DefaultPreferences("u1")
	prefs.InAppEnabled = false

	d := decide(event(EventClubMessage), prefs, rcAt(AppForeground, ActivityMedium, noon))
	assert.Equal(t, MethodPush, d.Method)

	d = decide(event(EventDirectMessage), prefs, rcAt(AppForeground, ActivityHigh, noon))
	assert.Equal(t, MethodSkipped, d.Method)
}

func TestDecideExpired(t *testing.T) {
	prefs := DefaultPreferences("u1")
	ev := event(EventEmergencyBloodRequest)
	past := noon.Add(-time.Minute)
	ev.ExpiresAt = &past

	d := decide(ev, prefs, rcAt(AppBackground, ActivityLow, noon))
	assert.Equal(t, MethodSkipped, d.Method)
	assert.Equal(t, ReasonExpired, d.Reason)

	future := noon.Add(time.Minute)
	ev.ExpiresAt = &future
	d = decide(ev, prefs, rcAt(AppBackground, ActivityLow, noon))
	assert.Equal(t, MethodBoth, d.Method)
}

func TestDecisionChannels(t *testing.T) {
	assert.Equal(t, []Channel{ChannelPush, ChannelInApp}, decision(true, true, "").Channels())
	assert.Equal(t, []Channel{ChannelInApp}, decision(false, true, "").Channels())
	assert.Empty(t, decision(false, false, "").Channels())
}
