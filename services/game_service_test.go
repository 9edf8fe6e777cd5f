package services

import (
	"context"
	"testing"
	"time"

	"chess-wager-system/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testBudgetMs = 60_000

func newTestService(t *testing.T) *GameService {
	t.Helper()
	db := testDB(t)
	return NewGameService(db, NewLedger(db), LogSink{})
}

// setupActiveGame creates alice (50) vs bob (30) with a 10 coin stake
// and both stakes escrowed.
func setupActiveGame(t *testing.T, s *GameService) (game *models.Game, alice, bob *models.User) {
	t.Helper()
	ctx := context.Background()
	alice = createUser(t, s.DB, "alice", 50)
	bob = createUser(t, s.DB, "bob", 30)
	g, err := s.Create(ctx, alice.ID, 10, testBudgetMs)
	require.NoError(t, err)
	g, err = s.Join(ctx, g.ID, bob.ID)
	require.NoError(t, err)
	return g, alice, bob
}

func reload(t *testing.T, db *gorm.DB, gameID string) *models.Game {
	t.Helper()
	var g models.Game
	require.NoError(t, db.First(&g, "id = ?", gameID).Error)
	return &g
}

func TestCreateEscrowsStake(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, s.DB, "alice", 50)

	g, err := s.Create(ctx, alice.ID, 10, testBudgetMs)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, g.Status)
	assert.Equal(t, alice.ID, g.WhitePlayerID)
	assert.Nil(t, g.JoinerID)
	assert.Equal(t, int64(testBudgetMs), g.WhiteTimeLeft)
	assert.Equal(t, int64(testBudgetMs), g.BlackTimeLeft)
	assert.Equal(t, int64(40), balanceOf(t, s.Ledger, alice.ID))
}

func TestCreateInsufficientFunds(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, s.DB, "alice", 5)

	_, err := s.Create(ctx, alice.ID, 10, testBudgetMs)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(5), balanceOf(t, s.Ledger, alice.ID))

	// The failed escrow must not leave a game behind.
	var count int64
	require.NoError(t, s.DB.Model(&models.Game{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestJoinActivatesGame(t *testing.T) {
	s := newTestService(t)
	g, _, bob := setupActiveGame(t, s)

	assert.Equal(t, models.StatusActive, g.Status)
	require.NotNil(t, g.BlackPlayerID)
	assert.Equal(t, bob.ID, *g.BlackPlayerID)
	assert.NotNil(t, g.LastMoveAt)
	assert.Equal(t, int64(20), balanceOf(t, s.Ledger, bob.ID))
}

func TestJoinRejections(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, s.DB, "alice", 50)
	carol := createUser(t, s.DB, "carol", 50)

	g, err := s.Create(ctx, alice.ID, 10, testBudgetMs)
	require.NoError(t, err)

	_, err = s.Join(ctx, g.ID, alice.ID)
	assert.ErrorIs(t, err, ErrSelfJoin)

	_, err = s.Join(ctx, uuid.NewString(), carol.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	bob := createUser(t, s.DB, "bob", 50)
	_, err = s.Join(ctx, g.ID, bob.ID)
	require.NoError(t, err)

	// Already taken.
	_, err = s.Join(ctx, g.ID, carol.ID)
	assert.ErrorIs(t, err, ErrNotJoinable)
	assert.Equal(t, int64(50), balanceOf(t, s.Ledger, carol.ID))
}

func TestCancelRefundsCreator(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, s.DB, "alice", 50)
	g, err := s.Create(ctx, alice.ID, 10, testBudgetMs)
	require.NoError(t, err)

	g, err = s.Cancel(ctx, g.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, g.Status)
	assert.Equal(t, models.ReasonCancellation, g.EndReason)
	assert.Nil(t, g.WinnerID)
	assert.True(t, g.BetProcessed)
	assert.Equal(t, int64(50), balanceOf(t, s.Ledger, alice.ID))

	_, err = s.Cancel(ctx, g.ID, alice.ID)
	assert.ErrorIs(t, err, ErrNotCancelable)
	assert.Equal(t, int64(50), balanceOf(t, s.Ledger, alice.ID))
}

func TestCancelOnlyCreator(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, s.DB, "alice", 50)
	bob := createUser(t, s.DB, "bob", 50)
	g, err := s.Create(ctx, alice.ID, 10, testBudgetMs)
	require.NoError(t, err)

	_, err = s.Cancel(ctx, g.ID, bob.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestMoveRejections(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	g, alice, bob := setupActiveGame(t, s)
	carol := createUser(t, s.DB, "carol", 50)

	_, err := s.ApplyMove(ctx, g.ID, carol.ID, "e2e4")
	assert.ErrorIs(t, err, ErrNotParticipant)

	// White to move first.
	_, err = s.ApplyMove(ctx, g.ID, bob.ID, "e7e5")
	assert.ErrorIs(t, err, ErrNotYourTurn)

	_, err = s.ApplyMove(ctx, g.ID, alice.ID, "e2e5")
	assert.ErrorIs(t, err, ErrIllegalMove)

	// A rejected move must not touch the game.
	cur := reload(t, s.DB, g.ID)
	assert.Equal(t, 0, cur.MoveCount)
}

func TestMoveOnWaitingGame(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, s.DB, "alice", 50)
	g, err := s.Create(ctx, alice.ID, 10, testBudgetMs)
	require.NoError(t, err)

	_, err = s.ApplyMove(ctx, g.ID, alice.ID, "e2e4")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestMoveAdvancesGame(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	g, alice, bob := setupActiveGame(t, s)

	g, err := s.ApplyMove(ctx, g.ID, alice.ID, "e2e4")
	require.NoError(t, err)
	assert.Equal(t, 1, g.MoveCount)
	assert.Equal(t, "1. e4", g.PGN)

	g, err = s.ApplyMove(ctx, g.ID, bob.ID, "e7e5")
	require.NoError(t, err)
	assert.Equal(t, 2, g.MoveCount)
	assert.Equal(t, "1. e4 e5", g.PGN)

	var moves []models.Move
	require.NoError(t, s.DB.Where("game_id = ?", g.ID).Order("number ASC").Find(&moves).Error)
	require.Len(t, moves, 2)
	assert.Equal(t, "e2e4", moves[0].UCI)
	assert.Equal(t, "white", moves[0].Color)
	assert.Equal(t, "e7e5", moves[1].UCI)
	assert.Equal(t, "black", moves[1].Color)
}

func TestCheckmateSettlesPot(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	g, alice, bob := setupActiveGame(t, s)

	for _, step := range []struct {
		user string
		move string
	}{
		{alice.ID, "f2f3"},
		{bob.ID, "e7e5"},
		{alice.ID, "g2g4"},
		{bob.ID, "d8h4"},
	} {
		var err error
		g, err = s.ApplyMove(ctx, g.ID, step.user, step.move)
		require.NoError(t, err)
	}

	assert.Equal(t, models.StatusFinished, g.Status)
	assert.Equal(t, models.ReasonCheckmate, g.EndReason)
	require.NotNil(t, g.WinnerID)
	assert.Equal(t, bob.ID, *g.WinnerID)
	assert.True(t, g.BetProcessed)

	// Winner takes the full pot, loser keeps nothing of the stake.
	assert.Equal(t, int64(40), balanceOf(t, s.Ledger, alice.ID))
	assert.Equal(t, int64(40), balanceOf(t, s.Ledger, bob.ID))

	entries, err := s.Ledger.EntriesForGame(g.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 3) // two debits, one credit

	// Any further termination attempt is rejected and settles nothing.
	_, err = s.Abandon(ctx, g.ID, alice.ID)
	assert.ErrorIs(t, err, ErrAlreadyFinished)
	_, err = s.ApplyMove(ctx, g.ID, alice.ID, "e2e4")
	assert.ErrorIs(t, err, ErrAlreadyFinished)
	assert.Equal(t, int64(40), balanceOf(t, s.Ledger, bob.ID))
}

func TestAgreementDrawRefundsBoth(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	g, alice, bob := setupActiveGame(t, s)

	g, err := s.FinishByAgreement(ctx, g.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, g.Status)
	assert.Equal(t, models.ReasonAgreement, g.EndReason)
	assert.Nil(t, g.WinnerID)
	assert.Equal(t, int64(50), balanceOf(t, s.Ledger, alice.ID))
	assert.Equal(t, int64(30), balanceOf(t, s.Ledger, bob.ID))
}

func TestAbandonPaysOpponent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	g, alice, bob := setupActiveGame(t, s)

	g, err := s.Abandon(ctx, g.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonAbandonment, g.EndReason)
	require.NotNil(t, g.WinnerID)
	assert.Equal(t, bob.ID, *g.WinnerID)
	assert.Equal(t, int64(40), balanceOf(t, s.Ledger, alice.ID))
	assert.Equal(t, int64(40), balanceOf(t, s.Ledger, bob.ID))
}

func TestMoveOnExpiredClockTimesOut(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	g, alice, bob := setupActiveGame(t, s)

	_, err := s.ApplyMove(ctx, g.ID, alice.ID, "e2e4")
	require.NoError(t, err)

	// Push the last move far enough back that black's budget is spent.
	stale := time.Now().Add(-2 * time.Minute)
	require.NoError(t, s.DB.Model(&models.Game{}).Where("id = ?", g.ID).
		Update("last_move_at", stale).Error)

	g, err = s.ApplyMove(ctx, g.ID, bob.ID, "e7e5")
	assert.ErrorIs(t, err, ErrTimeExpired)
	require.NotNil(t, g)
	assert.Equal(t, models.StatusFinished, g.Status)
	assert.Equal(t, models.ReasonTimeout, g.EndReason)
	require.NotNil(t, g.WinnerID)
	assert.Equal(t, alice.ID, *g.WinnerID)
	assert.Equal(t, int64(60), balanceOf(t, s.Ledger, alice.ID))
	assert.Equal(t, int64(20), balanceOf(t, s.Ledger, bob.ID))
}

func TestFirstMoveExemptFromClock(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	g, alice, _ := setupActiveGame(t, s)

	// A long think before the first move costs nothing.
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, s.DB.Model(&models.Game{}).Where("id = ?", g.ID).
		Update("last_move_at", stale).Error)

	g, err := s.ApplyMove(ctx, g.ID, alice.ID, "e2e4")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, g.Status)
	assert.Equal(t, int64(testBudgetMs), g.WhiteTimeLeft)
}

func TestTimeoutWithBareOpponentIsDraw(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	g, alice, bob := setupActiveGame(t, s)

	// White to move and flagged; black retains only a knight.
	require.NoError(t, s.DB.Model(&models.Game{}).Where("id = ?", g.ID).Updates(map[string]any{
		"fen":             "4k1n1/8/8/8/8/8/8/4K3 w - - 0 1",
		"move_count":      10,
		"white_time_left": 1000,
		"last_move_at":    time.Now().Add(-time.Minute),
	}).Error)

	done, err := s.TimeoutIfFlagged(ctx, g.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, done)

	cur := reload(t, s.DB, g.ID)
	assert.Equal(t, models.StatusFinished, cur.Status)
	assert.Equal(t, models.ReasonInsufficientMaterial, cur.EndReason)
	assert.Nil(t, cur.WinnerID)
	assert.Zero(t, cur.WhiteTimeLeft)
	assert.Equal(t, int64(50), balanceOf(t, s.Ledger, alice.ID))
	assert.Equal(t, int64(30), balanceOf(t, s.Ledger, bob.ID))
}

func TestTimeoutWithMatingMaterialIsWin(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	g, alice, bob := setupActiveGame(t, s)

	// White flagged while black still holds a queen.
	require.NoError(t, s.DB.Model(&models.Game{}).Where("id = ?", g.ID).Updates(map[string]any{
		"fen":             "3qk3/8/8/8/8/8/8/4K3 w - - 0 1",
		"move_count":      10,
		"white_time_left": 1000,
		"last_move_at":    time.Now().Add(-time.Minute),
	}).Error)

	done, err := s.TimeoutIfFlagged(ctx, g.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, done)

	cur := reload(t, s.DB, g.ID)
	assert.Equal(t, models.ReasonTimeout, cur.EndReason)
	require.NotNil(t, cur.WinnerID)
	assert.Equal(t, bob.ID, *cur.WinnerID)
	assert.Equal(t, int64(40), balanceOf(t, s.Ledger, alice.ID))
	assert.Equal(t, int64(40), balanceOf(t, s.Ledger, bob.ID))

	// A second sweep finds nothing to do.
	done, err = s.TimeoutIfFlagged(ctx, g.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, int64(40), balanceOf(t, s.Ledger, bob.ID))
}

func TestTimeoutNotFlaggedIsNoop(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	g, _, _ := setupActiveGame(t, s)

	done, err := s.TimeoutIfFlagged(ctx, g.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, models.StatusActive, reload(t, s.DB, g.ID).Status)
}

func TestExpireWaiting(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, s.DB, "alice", 50)
	g, err := s.Create(ctx, alice.ID, 10, testBudgetMs)
	require.NoError(t, err)

	done, err := s.ExpireWaiting(ctx, g.ID)
	require.NoError(t, err)
	assert.True(t, done)

	cur := reload(t, s.DB, g.ID)
	assert.Equal(t, models.StatusFinished, cur.Status)
	assert.Equal(t, models.ReasonCancellation, cur.EndReason)
	assert.Equal(t, int64(50), balanceOf(t, s.Ledger, alice.ID))

	// Not waiting anymore: silently skipped.
	done, err = s.ExpireWaiting(ctx, g.ID)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestSnapshot(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	g, alice, _ := setupActiveGame(t, s)
	carol := createUser(t, s.DB, "carol", 50)

	snap, err := s.Snapshot(ctx, g.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, snap.Game.ID)
	assert.Equal(t, "white", snap.Turn)
	assert.Equal(t, int64(testBudgetMs), snap.WhiteTimeLeft)

	_, err = s.Snapshot(ctx, g.ID, carol.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = s.Snapshot(ctx, uuid.NewString(), alice.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListWaitingAndForUser(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, s.DB, "alice", 50)
	bob := createUser(t, s.DB, "bob", 50)

	g1, err := s.Create(ctx, alice.ID, 10, testBudgetMs)
	require.NoError(t, err)
	g2, err := s.Create(ctx, bob.ID, 5, testBudgetMs)
	require.NoError(t, err)

	waiting, err := s.ListWaiting(ctx)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)

	_, err = s.Join(ctx, g1.ID, bob.ID)
	require.NoError(t, err)

	waiting, err = s.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, g2.ID, waiting[0].ID)

	mine, err := s.ListForUser(ctx, bob.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	mine, err = s.ListForUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, g1.ID, mine[0].ID)
}

func TestStaleWaitingQuery(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, s.DB, "alice", 50)
	g, err := s.Create(ctx, alice.ID, 10, testBudgetMs)
	require.NoError(t, err)

	stale, err := s.StaleWaiting(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	require.NoError(t, s.DB.Model(&models.Game{}).Where("id = ?", g.ID).
		Update("created_at", time.Now().Add(-time.Hour)).Error)

	stale, err = s.StaleWaiting(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, g.ID, stale[0].ID)
}

func TestStaleTimeoutLosesRaceToMove(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	g, alice, bob := setupActiveGame(t, s)

	// A sweeper-style read taken before the move lands.
	staleRead := reload(t, s.DB, g.ID)

	_, err := s.ApplyMove(ctx, g.ID, alice.ID, "e2e4")
	require.NoError(t, err)

	// A timeout decided on the stale basis must fail cleanly, not
	// finish a game whose side to move acted in time.
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		return s.terminateOnFlag(tx, staleRead, "white", time.Now())
	})
	assert.ErrorIs(t, err, ErrConflict)

	cur := reload(t, s.DB, g.ID)
	assert.Equal(t, models.StatusActive, cur.Status)
	assert.Equal(t, 1, cur.MoveCount)
	assert.False(t, cur.BetProcessed)
	assert.Equal(t, int64(40), balanceOf(t, s.Ledger, alice.ID))
	assert.Equal(t, int64(20), balanceOf(t, s.Ledger, bob.ID))
}

func TestStaleExpireLosesRaceToJoin(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	alice := createUser(t, s.DB, "alice", 50)
	bob := createUser(t, s.DB, "bob", 30)
	g, err := s.Create(ctx, alice.ID, 10, testBudgetMs)
	require.NoError(t, err)

	staleRead := reload(t, s.DB, g.ID)

	_, err = s.Join(ctx, g.ID, bob.ID)
	require.NoError(t, err)

	// A cancellation decided while the game was still waiting must not
	// land on the now-active game.
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		return s.terminate(tx, staleRead, nil, models.ReasonCancellation, nil)
	})
	assert.ErrorIs(t, err, ErrConflict)

	cur := reload(t, s.DB, g.ID)
	assert.Equal(t, models.StatusActive, cur.Status)
	assert.Equal(t, int64(40), balanceOf(t, s.Ledger, alice.ID))
	assert.Equal(t, int64(20), balanceOf(t, s.Ledger, bob.ID))
}

func TestStaleTerminatorAdoptsFinishedOutcome(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	g, alice, bob := setupActiveGame(t, s)

	staleRead := reload(t, s.DB, g.ID)

	_, err := s.Abandon(ctx, g.ID, alice.ID)
	require.NoError(t, err)

	// Losing the race to another terminator is a silent no-op that
	// adopts the committed outcome and settles nothing further.
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		return s.terminate(tx, staleRead, nil, models.ReasonAgreement, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, staleRead.Status)
	assert.Equal(t, models.ReasonAbandonment, staleRead.EndReason)
	require.NotNil(t, staleRead.WinnerID)
	assert.Equal(t, bob.ID, *staleRead.WinnerID)

	entries, err := s.Ledger.EntriesForGame(g.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 3) // two debits, one credit; nothing extra
	assert.Equal(t, int64(40), balanceOf(t, s.Ledger, alice.ID))
	assert.Equal(t, int64(40), balanceOf(t, s.Ledger, bob.ID))
}
