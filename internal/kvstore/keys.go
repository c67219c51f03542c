package kvstore

// Key scheme for the local cache. The prefix namespaces one account's data
// so several identities can share a device without clobbering each other.
// Changing any of these would orphan existing on-device state, so new
// readers must keep accepting the current layout.

// CurrentSubjectKey stores the current-selection pointer.
func CurrentSubjectKey(prefix string) string {
	return prefix + "current_baby"
}

// SubjectsKey stores the serialized subject list.
func SubjectsKey(prefix string) string {
	return prefix + "babies"
}

// EventsKey stores the serialized activity-event list for one subject.
func EventsKey(prefix, subjectID string) string {
	return prefix + "events_" + subjectID
}

// GrowthKey stores the serialized growth ledger for one subject.
func GrowthKey(prefix, subjectID string) string {
	return prefix + "growth_" + subjectID
}

// MilestonesKey stores the serialized milestone ledger for one subject.
func MilestonesKey(prefix, subjectID string) string {
	return prefix + "milestones_" + subjectID
}

// QuickActionsKey stores the ordered quick-action configuration for one subject.
func QuickActionsKey(prefix, subjectID string) string {
	return prefix + "quick_actions_" + subjectID
}
