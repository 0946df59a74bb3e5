package notifications

import "fmt"

// ClassificationError reports an event type with no priority profile.
type ClassificationError struct {
	Type EventType
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("unknown notification event type %q", e.Type)
}

// fallbackConfig is the profile of unrecognised event types. New types may
// reach the server before the classifier knows them.
var fallbackConfig = PriorityConfig{
	Priority:        PriorityLow,
	DefaultChannels: []Channel{ChannelInApp},
	CanBeBatched:    true,
	MaxDelayMinutes: 60,
}

var both = []Channel{ChannelPush, ChannelInApp}

// priorityConfigs maps each event type to its delivery profile.
var priorityConfigs = map[EventType]PriorityConfig{
	EventEmergencyBloodRequest:  {Priority: PriorityUrgent, DefaultChannels: both, RequiresPermission: true},
	EventDirectMessage:          {Priority: PriorityHigh, DefaultChannels: both, RequiresPermission: true},
	EventClubMessage:            {Priority: PriorityMedium, DefaultChannels: both, CanBeBatched: true, MaxDelayMinutes: 5, RequiresPermission: true},
	EventClubAnnouncement:       {Priority: PriorityHigh, DefaultChannels: both, RequiresPermission: true},
	EventClubAnnouncementUrgent: {Priority: PriorityUrgent, DefaultChannels: both, RequiresPermission: true},
	EventClubEvent:              {Priority: PriorityMedium, DefaultChannels: both, CanBeBatched: true, MaxDelayMinutes: 30, RequiresPermission: true},
	EventEventReminder:          {Priority: PriorityHigh, DefaultChannels: []Channel{ChannelPush}, RequiresPermission: true},
	EventJoinRequest:            {Priority: PriorityMedium, DefaultChannels: both, CanBeBatched: true, MaxDelayMinutes: 15, RequiresPermission: true},
	EventJoinRequestApproved:    {Priority: PriorityMedium, DefaultChannels: both, RequiresPermission: true},
	EventSocialInteraction:      {Priority: PriorityLow, DefaultChannels: []Channel{ChannelInApp}, CanBeBatched: true, MaxDelayMinutes: 60},
	EventSystemUpdate:           {Priority: PriorityLow, DefaultChannels: []Channel{ChannelInApp}, CanBeBatched: true, MaxDelayMinutes: 120},
	EventTypingIndicator:        {Priority: PriorityLow, DefaultChannels: []Channel{ChannelInApp}},
}

var eventCategories = map[EventType]Category{
	EventEmergencyBloodRequest:  CategoryEmergency,
	EventDirectMessage:          CategoryDirectMessages,
	EventTypingIndicator:        CategoryDirectMessages,
	EventClubMessage:            CategoryClubMessages,
	EventClubAnnouncement:       CategoryClubAnnouncements,
	EventClubAnnouncementUrgent: CategoryClubAnnouncements,
	EventClubEvent:              CategoryClubEvents,
	EventEventReminder:          CategoryClubEvents,
	EventJoinRequest:            CategoryJoinRequests,
	EventJoinRequestApproved:    CategoryJoinRequests,
	EventSocialInteraction:      CategorySocial,
	EventSystemUpdate:           CategorySystem,
}

// Classify returns the delivery profile for t. Unknown types yield the
// low-priority in-app fallback together with a *ClassificationError.
func Classify(t EventType) (PriorityConfig, error) {
	cfg, ok := priorityConfigs[t]
	if !ok {
		return copyConfig(fallbackConfig), &ClassificationError{Type: t}
	}
	return copyConfig(cfg), nil
}

// ClassifyOrDefault is Classify without the error.
func ClassifyOrDefault(t EventType) PriorityConfig {
	cfg, _ := Classify(t)
	return cfg
}

// CategoryOf returns the preference category gating t.
func CategoryOf(t EventType) Category {
	if c, ok := eventCategories[t]; ok {
		return c
	}
	return CategorySystem
}

// KnownEventTypes lists every classified event type.
func KnownEventTypes() []EventType {
	return []EventType{
		EventEmergencyBloodRequest, EventDirectMessage, EventClubMessage,
		EventClubAnnouncement, EventClubAnnouncementUrgent, EventClubEvent,
		EventEventReminder, EventJoinRequest, EventJoinRequestApproved,
		EventSocialInteraction, EventSystemUpdate, EventTypingIndicator,
	}
}

// copyConfig keeps callers from mutating the shared channel slices.
func copyConfig(c PriorityConfig) PriorityConfig {
	c.DefaultChannels = append([]Channel(nil), c.DefaultChannels...)
	return c
}
