package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"care-mediator/internal/domain"
)

// Pusher sends an unsolicited message to a participant.
type Pusher interface {
	Push(ctx context.Context, to, text string) error
}

// PendingReadWriter persists the single pending-relay slot. Writes are
// versioned: PutPending and ClearPending succeed only when the stored version
// still equals the one read, and return domain.ErrRelayConflict otherwise.
type PendingReadWriter interface {
	GetPending(ctx context.Context) (domain.PendingRelay, bool, error)
	PutPending(ctx context.Context, text string, expectedVersion int64) error
	ClearPending(ctx context.Context, expectedVersion int64) error
}

// ApprovalCoordinator mediates caregiver-derived information flow through a
// single pending-relay slot. Idle: no proposal held. AwaitingApproval: one
// proposal held until the subject confirms. A new proposal arriving while one
// is held overwrites it, last-write-wins; the overwrite is logged, not
// surfaced to either participant. The machine is long-lived and has no
// terminal state.
type ApprovalCoordinator struct {
	pending     PendingReadWriter
	pusher      Pusher
	caregiverID string
	subjectID   string
}

func NewApprovalCoordinator(pending PendingReadWriter, pusher Pusher, caregiverID, subjectID string) (*ApprovalCoordinator, error) {
	if pending == nil {
		return nil, errors.New("usecase: pending store must not be nil")
	}
	if pusher == nil {
		return nil, errors.New("usecase: pusher must not be nil")
	}
	if strings.TrimSpace(caregiverID) == "" || strings.TrimSpace(subjectID) == "" {
		return nil, errors.New("usecase: caregiver and subject ids must not be empty")
	}
	return &ApprovalCoordinator{
		pending:     pending,
		pusher:      pusher,
		caregiverID: caregiverID,
		subjectID:   subjectID,
	}, nil
}

// Apply consumes the structured decision of a caregiver turn. An empty report
// does nothing; a non-discussion report is pushed to the subject verbatim; a
// discussion report is held in the pending slot and proposed to the subject.
// The slot is persisted before the proposal push so a crash in between cannot
// leave the subject notified with nothing to confirm against.
func (a *ApprovalCoordinator) Apply(ctx context.Context, d domain.DecisionResult) error {
	text := strings.TrimSpace(d.ReportText)
	if text == "" {
		return nil
	}

	if !d.Discuss {
		if err := a.pusher.Push(ctx, a.subjectID, text); err != nil {
			return fmt.Errorf("usecase: relay push: %w", err)
		}
		return nil
	}

	current, found, err := a.pending.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("usecase: read pending relay: %w", err)
	}
	var version int64
	if found {
		slog.Warn("overwriting held relay proposal", "previous_version", current.Version)
		version = current.Version
	}
	if err := a.pending.PutPending(ctx, text, version); err != nil {
		return fmt.Errorf("usecase: hold relay: %w", err)
	}
	if err := a.pusher.Push(ctx, a.subjectID, proposalMessage(text)); err != nil {
		return fmt.Errorf("usecase: proposal push: %w", err)
	}
	return nil
}

// Confirm applies the subject's confirmation keyword. It returns false with
// no side effects when the slot is idle; otherwise the held text is pushed to
// the caregiver verbatim and the slot is cleared. A clear that loses to a
// concurrent new proposal leaves that newer proposal in place; the already
// delivered relay stands.
func (a *ApprovalCoordinator) Confirm(ctx context.Context) (bool, error) {
	p, found, err := a.pending.GetPending(ctx)
	if err != nil {
		return false, fmt.Errorf("usecase: read pending relay: %w", err)
	}
	if !found {
		return false, nil
	}
	if err := a.pusher.Push(ctx, a.caregiverID, p.Text); err != nil {
		return false, fmt.Errorf("usecase: confirmed relay push: %w", err)
	}
	if err := a.pending.ClearPending(ctx, p.Version); err != nil {
		if errors.Is(err, domain.ErrRelayConflict) {
			slog.Warn("pending relay replaced during confirmation; newer proposal kept")
			return true, nil
		}
		return false, fmt.Errorf("usecase: clear pending relay: %w", err)
	}
	return true, nil
}

func proposalMessage(text string) string {
	return "【報告案】\n\n" + text + "\n\n修正があればメッセージで送ってください。\nそのまま送る場合は「はい」と返信してください。"
}
