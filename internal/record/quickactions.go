package record

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/nestlog/nestlog/internal/kvstore"
)

// ErrDuplicateQuickAction indicates an add for a kind already configured.
var ErrDuplicateQuickAction = errors.New("record: quick action kind already configured")

// QuickAction is one entry of a subject's ordered quick-entry bar.
type QuickAction struct {
	Kind  EventKind `json:"kind"`
	Label string    `json:"label"`
}

func defaultQuickActions() []QuickAction {
	return []QuickAction{
		{Kind: KindFeed, Label: "Feed"},
		{Kind: KindDrink, Label: "Drink"},
		{Kind: KindUrinate, Label: "Pee"},
		{Kind: KindDefecate, Label: "Poop"},
		{Kind: KindSleepStart, Label: "Sleep"},
		{Kind: KindSleepEnd, Label: "Wake"},
	}
}

// QuickActions returns the subject's configured quick actions in stored
// order, or the default six kinds when nothing usable is persisted.
func (s *Store) QuickActions(subjectID string) []QuickAction {
	raw, ok := s.local.Get(kvstore.QuickActionsKey(s.prefix, subjectID))
	if !ok || raw == "" {
		return defaultQuickActions()
	}
	var actions []QuickAction
	if err := json.Unmarshal([]byte(raw), &actions); err != nil || len(actions) == 0 {
		if err != nil {
			s.logger.Warn("discarding unreadable quick action config",
				zap.String("subject_id", subjectID), zap.Error(err))
		}
		return defaultQuickActions()
	}
	for i := range actions {
		actions[i].Kind = DecodeKind(string(actions[i].Kind))
	}
	return actions
}

// SaveQuickActions persists the full ordered list, which is also how a
// reorder is expressed.
func (s *Store) SaveQuickActions(subjectID string, actions []QuickAction) error {
	if subjectID == "" {
		return newServiceError(opSaveQuickAction, "missing_subject", ErrMissingSubjectID)
	}
	encoded, err := json.Marshal(actions)
	if err != nil {
		return newServiceError(opSaveQuickAction, "encode_failed", err)
	}
	s.local.Set(kvstore.QuickActionsKey(s.prefix, subjectID), string(encoded))
	return nil
}

// AddQuickAction appends one action; each kind may appear at most once.
func (s *Store) AddQuickAction(subjectID string, action QuickAction) error {
	if subjectID == "" {
		return newServiceError(opSaveQuickAction, "missing_subject", ErrMissingSubjectID)
	}
	actions := s.QuickActions(subjectID)
	for _, existing := range actions {
		if existing.Kind == action.Kind {
			return newServiceError(opSaveQuickAction, "duplicate_kind", ErrDuplicateQuickAction)
		}
	}
	return s.SaveQuickActions(subjectID, append(actions, action))
}

// RemoveQuickAction drops the action for kind, preserving the order of the
// remaining entries.
func (s *Store) RemoveQuickAction(subjectID string, kind EventKind) error {
	if subjectID == "" {
		return newServiceError(opSaveQuickAction, "missing_subject", ErrMissingSubjectID)
	}
	actions := s.QuickActions(subjectID)
	kept := make([]QuickAction, 0, len(actions))
	for _, action := range actions {
		if action.Kind == kind {
			continue
		}
		kept = append(kept, action)
	}
	return s.SaveQuickActions(subjectID, kept)
}
