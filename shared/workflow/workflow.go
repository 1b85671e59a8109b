package workflow

import "strings"

// Entry lifecycle on a topic. Range-mode drains use claimed for entries they
// have read but not yet committed.
const (
	EntryStatusEnqueued     = "enqueued"
	EntryStatusClaimed      = "claimed"
	EntryStatusProcessed    = "processed"
	EntryStatusFailed       = "failed"
	EntryStatusDeferred     = "deferred"
	EntryStatusAcknowledged = "acknowledged"
	EntryStatusDeadLettered = "dead_lettered"
)

const (
	EntryEventClaimed      = "entry_claimed"
	EntryEventProcessed    = "entry_processed"
	EntryEventFailed       = "entry_failed"
	EntryEventDeferred     = "entry_deferred"
	EntryEventAcknowledged = "entry_acknowledged"
	EntryEventDiscarded    = "entry_discarded"
	EntryEventDeadLettered = "entry_dead_lettered"
	EntryEventRedelivered  = "entry_redelivered"
)

var entryTransitions = map[string]map[string]string{
	EntryStatusEnqueued: {
		EntryStatusClaimed: EntryEventClaimed,
	},
	EntryStatusClaimed: {
		EntryStatusProcessed:    EntryEventProcessed,
		EntryStatusFailed:       EntryEventFailed,
		EntryStatusDeferred:     EntryEventDeferred,
		EntryStatusAcknowledged: EntryEventDiscarded,
	},
	EntryStatusProcessed: {
		EntryStatusAcknowledged: EntryEventAcknowledged,
		EntryStatusFailed:       EntryEventFailed,
	},
	EntryStatusFailed: {
		EntryStatusClaimed:      EntryEventRedelivered,
		EntryStatusDeadLettered: EntryEventDeadLettered,
	},
	EntryStatusDeferred: {
		EntryStatusClaimed: EntryEventRedelivered,
	},
}

func NormalizeEntryStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeEntryStatus(fromStatus)
	toStatus = NormalizeEntryStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := entryTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeEntryStatus(fromStatus)
	toStatus = NormalizeEntryStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := entryTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

// Terminal reports states after which the entry is never delivered again.
func Terminal(status string) bool {
	switch NormalizeEntryStatus(status) {
	case EntryStatusAcknowledged, EntryStatusDeadLettered:
		return true
	default:
		return false
	}
}

func AllEntryStatuses() []string {
	return []string{
		EntryStatusEnqueued,
		EntryStatusClaimed,
		EntryStatusProcessed,
		EntryStatusFailed,
		EntryStatusDeferred,
		EntryStatusAcknowledged,
		EntryStatusDeadLettered,
	}
}
