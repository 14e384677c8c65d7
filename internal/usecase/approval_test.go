package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"care-mediator/internal/domain"
)

type sentMessage struct {
	to   string
	text string
}

type fakePusher struct {
	pushes  []sentMessage
	pushErr error
}

func (f *fakePusher) Push(_ context.Context, to, text string) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, sentMessage{to: to, text: text})
	return nil
}

// fakePendingStore models the versioned single-slot store, including the
// conflict behavior of the real conditional writes.
type fakePendingStore struct {
	rec      *domain.PendingRelay
	getErr   error
	putErr   error
	clearErr error
}

func (f *fakePendingStore) GetPending(_ context.Context) (domain.PendingRelay, bool, error) {
	if f.getErr != nil {
		return domain.PendingRelay{}, false, f.getErr
	}
	if f.rec == nil {
		return domain.PendingRelay{}, false, nil
	}
	return *f.rec, true, nil
}

func (f *fakePendingStore) PutPending(_ context.Context, text string, expectedVersion int64) error {
	if f.putErr != nil {
		return f.putErr
	}
	current := int64(0)
	if f.rec != nil {
		current = f.rec.Version
	}
	if current != expectedVersion {
		return domain.ErrRelayConflict
	}
	f.rec = &domain.PendingRelay{Text: text, Version: expectedVersion + 1}
	return nil
}

func (f *fakePendingStore) ClearPending(_ context.Context, expectedVersion int64) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	if f.rec == nil || f.rec.Version != expectedVersion {
		return domain.ErrRelayConflict
	}
	f.rec = nil
	return nil
}

func newTestCoordinator(t *testing.T, pending *fakePendingStore, pusher *fakePusher) *ApprovalCoordinator {
	t.Helper()
	c, err := NewApprovalCoordinator(pending, pusher, "caregiver-id", "subject-id")
	require.NoError(t, err)
	return c
}

func TestNewApprovalCoordinator_Validation(t *testing.T) {
	pending := &fakePendingStore{}
	pusher := &fakePusher{}

	_, err := NewApprovalCoordinator(nil, pusher, "c", "s")
	require.Error(t, err)
	_, err = NewApprovalCoordinator(pending, nil, "c", "s")
	require.Error(t, err)
	_, err = NewApprovalCoordinator(pending, pusher, "", "s")
	require.Error(t, err)
	_, err = NewApprovalCoordinator(pending, pusher, "c", " ")
	require.Error(t, err)
}

func TestApply_EmptyReport_NoAction(t *testing.T) {
	pending := &fakePendingStore{}
	pusher := &fakePusher{}
	c := newTestCoordinator(t, pending, pusher)

	err := c.Apply(context.Background(), domain.DecisionResult{Reply: "了解です", ReportText: "  ", Discuss: true})
	require.NoError(t, err)
	require.Empty(t, pusher.pushes)
	require.Nil(t, pending.rec)
}

func TestApply_ImmediateRelay_PushesVerbatim(t *testing.T) {
	pending := &fakePendingStore{}
	pusher := &fakePusher{}
	c := newTestCoordinator(t, pending, pusher)

	err := c.Apply(context.Background(), domain.DecisionResult{ReportText: "体調は安定しています。", Discuss: false})
	require.NoError(t, err)
	require.Len(t, pusher.pushes, 1)
	require.Equal(t, "subject-id", pusher.pushes[0].to)
	require.Equal(t, "体調は安定しています。", pusher.pushes[0].text)
	require.Nil(t, pending.rec)
}

func TestApply_HeldRelay_PersistsBeforeProposal(t *testing.T) {
	pending := &fakePendingStore{}
	pusher := &fakePusher{}
	c := newTestCoordinator(t, pending, pusher)

	err := c.Apply(context.Background(), domain.DecisionResult{ReportText: "めまいの訴えがありました。", Discuss: true})
	require.NoError(t, err)
	require.NotNil(t, pending.rec)
	require.Equal(t, "めまいの訴えがありました。", pending.rec.Text)
	require.Equal(t, int64(1), pending.rec.Version)
	require.Len(t, pusher.pushes, 1)
	require.Equal(t, "subject-id", pusher.pushes[0].to)
	require.Contains(t, pusher.pushes[0].text, "【報告案】")
	require.Contains(t, pusher.pushes[0].text, "めまいの訴えがありました。")
	require.Contains(t, pusher.pushes[0].text, "「はい」")
}

func TestApply_HeldRelay_OverwritesPrevious(t *testing.T) {
	pending := &fakePendingStore{rec: &domain.PendingRelay{Text: "古い報告案", Version: 3}}
	pusher := &fakePusher{}
	c := newTestCoordinator(t, pending, pusher)

	err := c.Apply(context.Background(), domain.DecisionResult{ReportText: "新しい報告案", Discuss: true})
	require.NoError(t, err)
	require.Equal(t, "新しい報告案", pending.rec.Text)
	require.Equal(t, int64(4), pending.rec.Version)
}

func TestApply_PendingPutError(t *testing.T) {
	pending := &fakePendingStore{putErr: errors.New("boom")}
	pusher := &fakePusher{}
	c := newTestCoordinator(t, pending, pusher)

	err := c.Apply(context.Background(), domain.DecisionResult{ReportText: "報告", Discuss: true})
	require.ErrorContains(t, err, "hold relay")
	// the proposal must not be pushed if the slot write failed
	require.Empty(t, pusher.pushes)
}

func TestConfirm_Idle_NoSideEffects(t *testing.T) {
	pending := &fakePendingStore{}
	pusher := &fakePusher{}
	c := newTestCoordinator(t, pending, pusher)

	confirmed, err := c.Confirm(context.Background())
	require.NoError(t, err)
	require.False(t, confirmed)
	require.Empty(t, pusher.pushes)
}

func TestConfirm_PushesHeldTextVerbatimAndClears(t *testing.T) {
	pending := &fakePendingStore{rec: &domain.PendingRelay{Text: "めまいの訴えがありました。", Version: 2}}
	pusher := &fakePusher{}
	c := newTestCoordinator(t, pending, pusher)

	confirmed, err := c.Confirm(context.Background())
	require.NoError(t, err)
	require.True(t, confirmed)
	require.Len(t, pusher.pushes, 1)
	require.Equal(t, "caregiver-id", pusher.pushes[0].to)
	require.Equal(t, "めまいの訴えがありました。", pusher.pushes[0].text)
	require.Nil(t, pending.rec)
}

func TestConfirm_PushError_KeepsSlot(t *testing.T) {
	pending := &fakePendingStore{rec: &domain.PendingRelay{Text: "報告", Version: 1}}
	pusher := &fakePusher{pushErr: errors.New("boom")}
	c := newTestCoordinator(t, pending, pusher)

	_, err := c.Confirm(context.Background())
	require.ErrorContains(t, err, "confirmed relay push")
	require.NotNil(t, pending.rec)
}

func TestConfirm_ClearConflict_KeepsNewerProposal(t *testing.T) {
	pending := &fakePendingStore{rec: &domain.PendingRelay{Text: "報告", Version: 1}}
	pending.clearErr = domain.ErrRelayConflict
	pusher := &fakePusher{}
	c := newTestCoordinator(t, pending, pusher)

	confirmed, err := c.Confirm(context.Background())
	require.NoError(t, err)
	require.True(t, confirmed)
	require.NotNil(t, pending.rec)
}
