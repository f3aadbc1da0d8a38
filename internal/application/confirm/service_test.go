package confirm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jihanki-shop/jihanki/internal/application/purchase"
	domconfirm "github.com/jihanki-shop/jihanki/internal/domain/confirm"
	"github.com/jihanki-shop/jihanki/internal/domain/shop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("sess-%d", g.n)
}

type stubExecutor struct {
	mu     sync.Mutex
	result *purchase.Result
	err    error

	calls []executorCall
}

type executorCall struct {
	userID string
	lines  []shop.PurchaseLine
}

func (e *stubExecutor) Execute(_ context.Context, userID string, lines []shop.PurchaseLine) (*purchase.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, executorCall{userID: userID, lines: lines})
	return e.result, e.err
}

func oneLine() []shop.PurchaseLine {
	return []shop.PurchaseLine{{ItemID: "item-a", Quantity: 2}}
}

func TestCreate_OpensPendingSession(t *testing.T) {
	s := NewService(&stubExecutor{}, &seqIDGen{}, nil)
	defer s.Close()

	id, err := s.Create(context.Background(), "user-1", oneLine(), time.Minute)
	require.NoError(t, err)

	session, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domconfirm.StatePending, session.State)
	assert.Equal(t, "user-1", session.OwnerID)
	require.Len(t, session.Lines, 1)
	assert.Equal(t, 2, session.Lines[0].Quantity)
}

func TestCreate_RejectsEmptyLines(t *testing.T) {
	s := NewService(&stubExecutor{}, &seqIDGen{}, nil)
	defer s.Close()

	_, err := s.Create(context.Background(), "user-1", nil, time.Minute)
	assert.ErrorIs(t, err, domconfirm.ErrNoLines)
}

func TestResolve_UnknownSession(t *testing.T) {
	s := NewService(&stubExecutor{}, &seqIDGen{}, nil)
	defer s.Close()

	_, err := s.Resolve(context.Background(), "missing", "user-1", ActionConfirm)
	assert.ErrorIs(t, err, domconfirm.ErrSessionNotFound)
}

func TestResolve_Cancel(t *testing.T) {
	exec := &stubExecutor{}
	s := NewService(exec, &seqIDGen{}, nil)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user-1", oneLine(), time.Minute)
	require.NoError(t, err)

	outcome, err := s.Resolve(ctx, id, "user-1", ActionCancel)
	require.NoError(t, err)
	assert.Equal(t, domconfirm.StateCancelled, outcome.State)
	assert.Empty(t, exec.calls)

	// The session is consumed; a later confirm cannot revive it.
	_, err = s.Resolve(ctx, id, "user-1", ActionConfirm)
	assert.ErrorIs(t, err, domconfirm.ErrSessionAlreadyResolved)
}

func TestResolve_ConfirmRunsExecutorWithCapturedLines(t *testing.T) {
	exec := &stubExecutor{result: &purchase.Result{Total: 240, NewBalance: 760}}
	s := NewService(exec, &seqIDGen{}, nil)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user-1", oneLine(), time.Minute)
	require.NoError(t, err)

	outcome, err := s.Resolve(ctx, id, "user-1", ActionConfirm)
	require.NoError(t, err)
	assert.Equal(t, domconfirm.StateConfirmed, outcome.State)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, int64(240), outcome.Result.Total)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, "user-1", exec.calls[0].userID)
	require.Len(t, exec.calls[0].lines, 1)
	assert.Equal(t, "item-a", exec.calls[0].lines[0].ItemID)
}

func TestResolve_ExecutionFailureStillConsumesSession(t *testing.T) {
	exec := &stubExecutor{err: &shop.InsufficientBalanceError{Required: 240, Available: 100}}
	s := NewService(exec, &seqIDGen{}, nil)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user-1", oneLine(), time.Minute)
	require.NoError(t, err)

	outcome, err := s.Resolve(ctx, id, "user-1", ActionConfirm)
	require.NoError(t, err)
	assert.Equal(t, domconfirm.StateConfirmed, outcome.State)
	assert.Nil(t, outcome.Result)

	var balanceErr *shop.InsufficientBalanceError
	assert.ErrorAs(t, outcome.Err, &balanceErr)

	_, err = s.Resolve(ctx, id, "user-1", ActionConfirm)
	assert.ErrorIs(t, err, domconfirm.ErrSessionAlreadyResolved)
}

func TestResolve_NonOwnerRejectedWithoutConsumingSession(t *testing.T) {
	exec := &stubExecutor{result: &purchase.Result{}}
	s := NewService(exec, &seqIDGen{}, nil)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user-1", oneLine(), time.Minute)
	require.NoError(t, err)

	_, err = s.Resolve(ctx, id, "intruder", ActionConfirm)
	assert.ErrorIs(t, err, domconfirm.ErrUnauthorized)
	assert.Empty(t, exec.calls)

	// The owner's window is untouched.
	session, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domconfirm.StatePending, session.State)

	outcome, err := s.Resolve(ctx, id, "user-1", ActionConfirm)
	require.NoError(t, err)
	assert.Equal(t, domconfirm.StateConfirmed, outcome.State)
}

func TestExpiry_ResolvesSessionExactlyOnce(t *testing.T) {
	exec := &stubExecutor{}
	s := NewService(exec, &seqIDGen{}, nil)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user-1", oneLine(), 20*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		session, err := s.Get(id)
		return err == nil && session.State == domconfirm.StateExpired
	}, time.Second, 5*time.Millisecond)

	_, err = s.Resolve(ctx, id, "user-1", ActionConfirm)
	assert.ErrorIs(t, err, domconfirm.ErrSessionAlreadyResolved)
	assert.Empty(t, exec.calls)
}

func TestResolve_ConcurrentConfirmsYieldOneWinner(t *testing.T) {
	exec := &stubExecutor{result: &purchase.Result{}}
	s := NewService(exec, &seqIDGen{}, nil)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "user-1", oneLine(), time.Minute)
	require.NoError(t, err)

	const contenders = 16
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Resolve(ctx, id, "user-1", ActionConfirm)
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, domconfirm.ErrSessionAlreadyResolved)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Len(t, exec.calls, 1)
}

func TestResolve_RacingExpiryYieldsExactlyOneWinner(t *testing.T) {
	ctx := context.Background()

	// Arm a deadline short enough that the timer and the confirm genuinely
	// race; repeat so both orderings occur across runs.
	for i := 0; i < 25; i++ {
		exec := &stubExecutor{result: &purchase.Result{}}
		s := NewService(exec, &seqIDGen{}, nil)

		id, err := s.Create(ctx, "user-1", oneLine(), time.Millisecond)
		require.NoError(t, err)

		outcome, resolveErr := s.Resolve(ctx, id, "user-1", ActionConfirm)

		session, err := s.Get(id)
		require.NoError(t, err)

		if resolveErr == nil {
			assert.Equal(t, domconfirm.StateConfirmed, outcome.State)
			assert.Equal(t, domconfirm.StateConfirmed, session.State)
			assert.Len(t, exec.calls, 1)
		} else {
			assert.ErrorIs(t, resolveErr, domconfirm.ErrSessionAlreadyResolved)
			assert.Equal(t, domconfirm.StateExpired, session.State)
			assert.Empty(t, exec.calls)
		}
		s.Close()
	}
}

func TestClose_RejectsNewSessions(t *testing.T) {
	s := NewService(&stubExecutor{}, &seqIDGen{}, nil)
	s.Close()

	_, err := s.Create(context.Background(), "user-1", oneLine(), time.Minute)
	assert.Error(t, err)
}

func TestResolve_DistinctSessionsAreIndependent(t *testing.T) {
	exec := &stubExecutor{result: &purchase.Result{}}
	s := NewService(exec, &seqIDGen{}, nil)
	defer s.Close()
	ctx := context.Background()

	first, err := s.Create(ctx, "user-1", oneLine(), time.Minute)
	require.NoError(t, err)
	second, err := s.Create(ctx, "user-2", []shop.PurchaseLine{{ItemID: "item-b", Quantity: 1}}, time.Minute)
	require.NoError(t, err)

	_, err = s.Resolve(ctx, first, "user-1", ActionCancel)
	require.NoError(t, err)

	outcome, err := s.Resolve(ctx, second, "user-2", ActionConfirm)
	require.NoError(t, err)
	assert.Equal(t, domconfirm.StateConfirmed, outcome.State)
}
