package notifications

// Decision reasons, recorded on delivery logs for diagnostics.
const (
	ReasonExpired          = "expired"
	ReasonCategoryDisabled = "category_disabled"
	ReasonEmergencyOnly    = "emergency_only_mode"
	ReasonUrgent           = "urgent_override"
	ReasonQuietHours       = "quiet_hours"
	ReasonActiveUser       = "foreground_high_activity"
	ReasonAway             = "background_or_low_activity"
	ReasonDefault          = "default_channels"
	ReasonChannelsDisabled = "channels_disabled"
)

// Decide computes how event should be delivered. Rules are evaluated in a
// fixed order and the first match wins; the chosen channels are then filtered
// through the global push and in-app toggles.
func Decide(event Event, prefs Preferences, cfg PriorityConfig, rc RuntimeContext) Decision {
	if event.Expired(rc.Now) {
		return skipped(ReasonExpired)
	}

	urgent := cfg.Priority == PriorityUrgent

	if !urgent && !prefs.Categories.Enabled(CategoryOf(event.Type)) {
		return skipped(ReasonCategoryDisabled)
	}

	if prefs.EmergencyOnlyMode && !urgent {
		return skipped(ReasonEmergencyOnly)
	}

	var push, inApp bool
	var reason string

	switch {
	case urgent:
		push, inApp, reason = true, true, ReasonUrgent

	case inQuietHours(prefs, rc) && (cfg.Priority == PriorityLow || cfg.Priority == PriorityMedium):
		if rc.AppState != AppForeground {
			return skipped(ReasonQuietHours)
		}
		inApp, reason = true, ReasonQuietHours

	case rc.AppState == AppForeground && rc.Activity == ActivityHigh:
		inApp, reason = true, ReasonActiveUser

	case rc.AppState == AppBackground || rc.Activity == ActivityLow:
		push, reason = true, ReasonAway

	default:
		push = cfg.HasChannel(ChannelPush)
		inApp = cfg.HasChannel(ChannelInApp)
		reason = ReasonDefault
	}

	push = push && prefs.PushEnabled
	inApp = inApp && prefs.InAppEnabled

	return decision(push, inApp, reason)
}

func inQuietHours(prefs Preferences, rc RuntimeContext) bool {
	in, err := prefs.QuietHours.Contains(rc.Now, prefs.Location())
	return err == nil && in
}

func decision(push, inApp bool, reason string) Decision {
	d := Decision{SendPush: push, SendInApp: inApp, Reason: reason}
	switch {
	case push && inApp:
		d.Method = MethodBoth
	case push:
		d.Method = MethodPush
	case inApp:
		d.Method = MethodInApp
	default:
		d.Method = MethodSkipped
		d.Reason = ReasonChannelsDisabled
	}
	return d
}

func skipped(reason string) Decision {
	return Decision{Method: MethodSkipped, Reason: reason}
}
