package editrequests

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qwikker.com/loyalty/internal/common"
	"qwikker.com/loyalty/internal/config"
	"qwikker.com/loyalty/internal/features/loyalty"
)

type adminInbox struct {
	mu       sync.Mutex
	messages []string
}

func (a *adminInbox) NotifyUser(context.Context, string, string) error { return nil }

func (a *adminInbox) NotifyAdmins(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, text)
	return nil
}

var (
	owner = common.Actor{UserID: "owner-1", Role: common.RoleBusiness, BusinessID: "biz-1", City: "calgary"}
	admin = common.Actor{UserID: "admin-1", Role: common.RoleAdmin}
)

func setup(t *testing.T) (*Service, *loyalty.Service, *adminInbox, *loyalty.Program) {
	t.Helper()
	cfg := &config.Config{AppTimezone: "UTC", RedemptionRevealTTL: time.Minute, PINMaxAttempts: 3}
	programs := loyalty.NewService(loyalty.NewMemoryRepository(), nil, loyalty.NewMetrics(nil), cfg)
	inbox := &adminInbox{}
	svc := NewService(NewMemoryRepository(), programs, inbox)

	p, err := programs.CreateProgram(context.Background(), owner, loyalty.CreateProgramInput{
		Name:              "Bagel club",
		Type:              loyalty.ProgramTypeStamps,
		RewardThreshold:   6,
		RewardDescription: "Free bagel",
	})
	require.NoError(t, err)
	return svc, programs, inbox, p
}

func int64Ptr(v int64) *int64 { return &v }

func TestSubmitAndApprove(t *testing.T) {
	ctx := context.Background()
	svc, programs, inbox, p := setup(t)

	req, err := svc.Submit(ctx, owner, p.ID, loyalty.ProgramChanges{RewardThreshold: int64Ptr(10)})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "biz-1", req.BusinessID)
	require.Len(t, inbox.messages, 1)
	assert.Contains(t, inbox.messages[0], "Bagel club")

	// Вторая заявка по той же программе ждёт первую
	_, err = svc.Submit(ctx, owner, p.ID, loyalty.ProgramChanges{RewardThreshold: int64Ptr(12)})
	assert.ErrorIs(t, err, common.ErrEditRequestPending)

	queue, err := svc.ListQueue(ctx, admin, "")
	require.NoError(t, err)
	require.Len(t, queue, 1)

	approved, err := svc.Approve(ctx, admin, req.ID, " looks fine ")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, "admin-1", approved.ReviewerID)
	assert.Equal(t, "looks fine", approved.ReviewNote)
	require.NotNil(t, approved.ResolvedAt)

	updated, err := programs.GetProgram(ctx, owner, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), updated.RewardThreshold)

	_, err = svc.Reject(ctx, admin, req.ID, "")
	assert.ErrorIs(t, err, common.ErrRequestResolved)

	// После рассмотрения можно подать новую
	_, err = svc.Submit(ctx, owner, p.ID, loyalty.ProgramChanges{RewardThreshold: int64Ptr(12)})
	assert.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _, p := setup(t)

	_, err := svc.Submit(ctx, owner, p.ID, loyalty.ProgramChanges{})
	assert.ErrorIs(t, err, common.ErrEmptyChanges)

	points := "points"
	_, err = svc.Submit(ctx, owner, p.ID, loyalty.ProgramChanges{Type: &points})
	assert.ErrorIs(t, err, common.ErrImmutableField)

	_, err = svc.Submit(ctx, owner, p.ID, loyalty.ProgramChanges{RewardThreshold: int64Ptr(-1)})
	assert.ErrorIs(t, err, common.ErrValidation)

	stranger := common.Actor{UserID: "x", Role: common.RoleBusiness, BusinessID: "biz-9"}
	_, err = svc.Submit(ctx, stranger, p.ID, loyalty.ProgramChanges{RewardThreshold: int64Ptr(3)})
	assert.ErrorIs(t, err, common.ErrForbidden)

	_, err = svc.Submit(ctx, owner, uuid.New(), loyalty.ProgramChanges{RewardThreshold: int64Ptr(3)})
	assert.ErrorIs(t, err, common.ErrProgramNotFound)
}

func TestApproveFailureKeepsRequestPending(t *testing.T) {
	ctx := context.Background()
	svc, programs, _, p := setup(t)

	req, err := svc.Submit(ctx, owner, p.ID, loyalty.ProgramChanges{RewardThreshold: int64Ptr(8)})
	require.NoError(t, err)

	_, err = programs.EndProgram(ctx, owner, p.ID)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, admin, req.ID, "")
	assert.ErrorIs(t, err, common.ErrProgramEnded)

	own, err := svc.ListOwn(ctx, owner)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, StatusPending, own[0].Status)

	rejected, err := svc.Reject(ctx, admin, req.ID, "program has ended")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
}

type resolveCtxKey struct{}

// failingResolveRepo передаёт в decide собственный контекст (как PostgreSQL —
// контекст с транзакцией) и отказывает после решения, как упавший UPDATE заявки.
type failingResolveRepo struct {
	*MemoryRepository
	fail error
}

func (r *failingResolveRepo) Resolve(ctx context.Context, id uuid.UUID, decide Decision) (*EditRequest, error) {
	req, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := decide(context.WithValue(ctx, resolveCtxKey{}, id), req); err != nil {
		return nil, err
	}
	return nil, r.fail
}

// ctxRecordingEditor запоминает, в каком контексте применялись изменения.
type ctxRecordingEditor struct {
	ProgramEditor
	seen any
}

func (e *ctxRecordingEditor) ApplyProgramChanges(ctx context.Context, id uuid.UUID, changes loyalty.ProgramChanges) (*loyalty.Program, error) {
	e.seen = ctx.Value(resolveCtxKey{})
	return e.ProgramEditor.ApplyProgramChanges(ctx, id, changes)
}

func TestApproveAppliesChangesInsideResolve(t *testing.T) {
	ctx := context.Background()
	_, programs, _, p := setup(t)

	updateFailed := errors.New("update failed")
	repo := &failingResolveRepo{MemoryRepository: NewMemoryRepository(), fail: updateFailed}
	editor := &ctxRecordingEditor{ProgramEditor: programs}
	svc := NewService(repo, editor, nil)

	req, err := svc.Submit(ctx, owner, p.ID, loyalty.ProgramChanges{RewardThreshold: int64Ptr(9)})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, admin, req.ID, "")
	assert.ErrorIs(t, err, updateFailed)
	assert.Equal(t, req.ID, editor.seen, "changes must be applied with the context Resolve hands to decide")

	stored, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestReviewRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	svc, _, _, p := setup(t)

	req, err := svc.Submit(ctx, owner, p.ID, loyalty.ProgramChanges{RewardThreshold: int64Ptr(8)})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, owner, req.ID, "")
	assert.ErrorIs(t, err, common.ErrForbidden)
	_, err = svc.ListQueue(ctx, owner, "")
	assert.ErrorIs(t, err, common.ErrForbidden)
	_, err = svc.ListQueue(ctx, admin, "unknown")
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = svc.Reject(ctx, admin, req.ID, strings.Repeat("x", 501))
	assert.ErrorIs(t, err, common.ErrValidation)
	_, err = svc.Approve(ctx, admin, uuid.New(), "")
	assert.ErrorIs(t, err, common.ErrEditRequestNotFound)

	all, err := svc.ListQueue(ctx, admin, "all")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
