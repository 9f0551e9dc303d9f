package exam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// RecordEvent appends a client-reported integrity signal and bumps the cheat
// counter. When detection is enabled and the counter reaches CheatThreshold
// the attempt is blocked and the call fails with ErrBlockedByIntegrity.
func (s *Service) RecordEvent(ctx context.Context, in RecordEventInput) (*EventOutcome, error) {
	in.EventType = strings.TrimSpace(in.EventType)
	if in.EventType == "" {
		return nil, ErrInvalidEventType
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return nil, fmt.Errorf("%w: metadata must be valid JSON", ErrInvalidInput)
	}

	attempt, err := s.loadOwned(ctx, in.AttemptID, in.StudentID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != StatusInProgress {
		return nil, stateError(attempt.Status)
	}
	test, err := s.catalog.GetTest(ctx, attempt.TestID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if now.After(test.Deadline(attempt.StartedAt)) {
		return nil, ErrDeadlinePassed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin event tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	attempt, err = s.store.loadAttempt(ctx, tx, in.AttemptID, true)
	if err != nil {
		return nil, err
	}
	if attempt.Status != StatusInProgress {
		return nil, stateError(attempt.Status)
	}

	if _, err := s.store.insertEvent(ctx, tx, Event{
		AttemptID:   in.AttemptID,
		EventType:   in.EventType,
		Description: strings.TrimSpace(in.Description),
		Metadata:    in.Metadata,
		TriggeredBy: TriggeredByStudent,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}

	count, err := s.store.incrementCheatCount(ctx, tx, in.AttemptID, now)
	if err != nil {
		if errors.Is(err, errNotInProgress) {
			return nil, ErrAttemptNotEditable
		}
		return nil, err
	}

	if !test.CheatDetectionEnabled || count < CheatThreshold {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit event: %w", err)
		}
		return &EventOutcome{CheatCount: count, Status: StatusInProgress}, nil
	}

	if err := s.blockTx(ctx, tx, in.AttemptID, autoBlockReason, TriggeredBySystem, now); err != nil {
		return nil, err
	}
	meta, _ := json.Marshal(map[string]int{"cheat_count": count, "threshold": CheatThreshold})
	if _, err := s.store.insertEvent(ctx, tx, Event{
		AttemptID:   in.AttemptID,
		EventType:   EventCheatThresholdExceeded,
		Description: fmt.Sprintf("Attempt blocked automatically after %d integrity events", count),
		Metadata:    meta,
		TriggeredBy: TriggeredBySystem,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit auto block: %w", err)
	}

	log.Warn().
		Int64("attempt_id", in.AttemptID).
		Int64("student_id", in.StudentID).
		Int("cheat_count", count).
		Str("event_type", in.EventType).
		Msg("attempt auto-blocked by integrity monitor")
	return nil, ErrBlockedByIntegrity
}
