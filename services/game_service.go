package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chess-wager-system/engine"
	"chess-wager-system/models"
	"chess-wager-system/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultTimeBudgetMs is each side's clock budget when the creator does
// not pick one (5 minutes, the classic blitz default).
const DefaultTimeBudgetMs = 5 * 60 * 1000

// GameService is the session state machine: creation, joining, move
// application, voluntary termination and settlement. Every mutation of
// a game row or a balance runs inside one gorm transaction; settlement
// is guarded so it happens exactly once per game no matter how many
// termination triggers race.
type GameService struct {
	DB     *gorm.DB
	Ledger *Ledger
	Sink   NotificationSink
}

func NewGameService(db *gorm.DB, ledger *Ledger, sink NotificationSink) *GameService {
	return &GameService{DB: db, Ledger: ledger, Sink: sink}
}

// GameSnapshot is the participant-facing view of a game, with both
// clocks decayed to the observation instant.
type GameSnapshot struct {
	Game          *models.Game `json:"game"`
	WhiteTimeLeft int64        `json:"white_time_left_ms"`
	BlackTimeLeft int64        `json:"black_time_left_ms"`
	Turn          string       `json:"turn"`
}

// Create opens a new wager in waiting status and escrows the creator's
// stake. The debit and the game insert commit or fail together.
func (s *GameService) Create(ctx context.Context, creatorID string, betAmount, timeBudgetMs int64) (*models.Game, error) {
	if betAmount <= 0 {
		return nil, fmt.Errorf("bet amount must be positive, got %d", betAmount)
	}
	if timeBudgetMs <= 0 {
		timeBudgetMs = DefaultTimeBudgetMs
	}
	g := &models.Game{
		ID:            uuid.NewString(),
		CreatorID:     creatorID,
		WhitePlayerID: creatorID,
		BetAmount:     betAmount,
		Status:        models.StatusWaiting,
		FEN:           engine.StartFEN,
		TimeBudgetMs:  timeBudgetMs,
		WhiteTimeLeft: timeBudgetMs,
		BlackTimeLeft: timeBudgetMs,
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.Ledger.Debit(tx, g.ID, creatorID, betAmount); err != nil {
			return err
		}
		return tx.Create(g).Error
	})
	if err != nil {
		return nil, err
	}
	s.Sink.Publish(LobbyChannel, "game-created", g)
	return g, nil
}

// Join commits the second participant: escrows their stake, assigns
// black, arms both clocks and flips the game to active.
func (s *GameService) Join(ctx context.Context, gameID, joinerID string) (*models.Game, error) {
	var out models.Game
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := loadGame(tx, gameID)
		if err != nil {
			return err
		}
		if g.Status != models.StatusWaiting || g.JoinerID != nil {
			return ErrNotJoinable
		}
		if g.CreatorID == joinerID {
			return ErrSelfJoin
		}
		if err := s.Ledger.Debit(tx, g.ID, joinerID, g.BetAmount); err != nil {
			return err
		}
		now := time.Now()
		res := tx.Model(&models.Game{}).
			Where("id = ? AND version = ? AND status = ?", g.ID, g.Version, models.StatusWaiting).
			Updates(map[string]any{
				"joiner_id":       joinerID,
				"black_player_id": joinerID,
				"status":          models.StatusActive,
				"white_time_left": g.TimeBudgetMs,
				"black_time_left": g.TimeBudgetMs,
				"last_move_at":    now,
				"version":         g.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return tx.First(&out, "id = ?", g.ID).Error
	})
	if err != nil {
		return nil, err
	}
	s.Sink.Publish(GameChannel(out.ID), "game-started", &out)
	s.Sink.Publish(LobbyChannel, "game-taken", map[string]string{"id": out.ID})
	return &out, nil
}

// Cancel withdraws a waiting game. Only the creator may cancel, only
// before anyone joins, and the creator's stake is refunded.
func (s *GameService) Cancel(ctx context.Context, gameID, requesterID string) (*models.Game, error) {
	var out *models.Game
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := loadGame(tx, gameID)
		if err != nil {
			return err
		}
		if g.CreatorID != requesterID {
			return ErrForbidden
		}
		if g.Status != models.StatusWaiting {
			return ErrNotCancelable
		}
		if err := s.terminate(tx, g, nil, models.ReasonCancellation, nil); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyFinished(out)
	s.Sink.Publish(LobbyChannel, "game-cancelled", map[string]string{"id": out.ID})
	return out, nil
}

// ApplyMove validates and applies one move for the given participant.
//
// The clock check happens before the move is evaluated: elapsed time is
// taken from the server clock against the stored last-move timestamp
// (never from anything the client reports), with the very first move of
// the game exempt. A mover whose clock is already spent gets the
// timeout termination instead of a move; the termination commits and
// ErrTimeExpired is returned alongside the finished game.
func (s *GameService) ApplyMove(ctx context.Context, gameID, moverID, move string) (*models.Game, error) {
	var out models.Game
	var flagged, finished bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := loadGame(tx, gameID)
		if err != nil {
			return err
		}
		switch g.Status {
		case models.StatusFinished:
			return ErrAlreadyFinished
		case models.StatusWaiting:
			return ErrNotActive
		}
		if !g.IsParticipant(moverID) {
			return ErrNotParticipant
		}
		side := engine.SideToMove(g.FEN)
		if g.PlayerBySide(side) != moverID {
			return ErrNotYourTurn
		}

		now := time.Now()
		remaining := g.WhiteTimeLeft
		if side == "black" {
			remaining = g.BlackTimeLeft
		}
		if g.MoveCount > 0 && g.LastMoveAt != nil {
			remaining = engine.Remaining(remaining, now.Sub(*g.LastMoveAt))
		}
		if remaining <= 0 {
			if err := s.terminateOnFlag(tx, g, side, now); err != nil {
				return err
			}
			out, flagged, finished = *g, true, true
			return nil
		}

		history, sans, err := moveHistory(tx, g.ID)
		if err != nil {
			return err
		}
		res, err := engine.ApplyMove(history, move)
		if err != nil {
			if errors.Is(err, engine.ErrRejected) {
				return ErrIllegalMove
			}
			return err
		}
		sans = append(sans, res.SAN)

		updates := map[string]any{
			"fen":          res.FEN,
			"pgn":          engine.MoveText(sans),
			"move_count":   g.MoveCount + 1,
			"last_move_at": now,
			"version":      g.Version + 1,
		}
		if side == "white" {
			updates["white_time_left"] = remaining
		} else {
			updates["black_time_left"] = remaining
		}
		upd := tx.Model(&models.Game{}).
			Where("id = ? AND version = ? AND status = ?", g.ID, g.Version, models.StatusActive).
			Updates(updates)
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return ErrConflict
		}
		moveRow := models.Move{
			ID:     uuid.NewString(),
			GameID: g.ID,
			UserID: moverID,
			Number: g.MoveCount + 1,
			UCI:    res.UCI,
			SAN:    res.SAN,
			Color:  side,
		}
		if err := tx.Create(&moveRow).Error; err != nil {
			return err
		}

		g.FEN = res.FEN
		g.PGN = engine.MoveText(sans)
		g.MoveCount++
		g.Version++
		lm := now
		g.LastMoveAt = &lm
		if side == "white" {
			g.WhiteTimeLeft = remaining
		} else {
			g.BlackTimeLeft = remaining
		}

		if res.Outcome.Terminal {
			var winnerID *string
			if res.Outcome.Winner != "" {
				w := g.PlayerBySide(res.Outcome.Winner)
				winnerID = &w
			}
			if err := s.terminate(tx, g, winnerID, reasonFromEngine(res.Outcome.Reason), nil); err != nil {
				return err
			}
			finished = true
		}
		out = *g
		return nil
	})
	if err != nil {
		return nil, err
	}
	if flagged {
		s.notifyFinished(&out)
		return &out, ErrTimeExpired
	}
	s.Sink.Publish(GameChannel(out.ID), "move", &out)
	s.Sink.Publish(GameChannel(out.ID), "time-update", map[string]int64{
		"white_time_left_ms": out.WhiteTimeLeft,
		"black_time_left_ms": out.BlackTimeLeft,
	})
	if finished {
		s.notifyFinished(&out)
	}
	return &out, nil
}

// FinishByAgreement ends an active game as a draw by mutual agreement;
// both stakes are refunded.
func (s *GameService) FinishByAgreement(ctx context.Context, gameID, requesterID string) (*models.Game, error) {
	out, err := s.voluntaryEnd(ctx, gameID, requesterID, func(g *models.Game) (*string, string) {
		return nil, models.ReasonAgreement
	})
	if err != nil {
		return nil, err
	}
	s.notifyFinished(out)
	return out, nil
}

// Abandon forfeits an active game; the full pot goes to the opponent.
func (s *GameService) Abandon(ctx context.Context, gameID, requesterID string) (*models.Game, error) {
	out, err := s.voluntaryEnd(ctx, gameID, requesterID, func(g *models.Game) (*string, string) {
		w := g.OpponentOf(requesterID)
		return &w, models.ReasonAbandonment
	})
	if err != nil {
		return nil, err
	}
	s.notifyFinished(out)
	return out, nil
}

func (s *GameService) voluntaryEnd(ctx context.Context, gameID, requesterID string, outcome func(*models.Game) (*string, string)) (*models.Game, error) {
	var out *models.Game
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := loadGame(tx, gameID)
		if err != nil {
			return err
		}
		switch g.Status {
		case models.StatusFinished:
			return ErrAlreadyFinished
		case models.StatusWaiting:
			return ErrNotActive
		}
		if !g.IsParticipant(requesterID) {
			return ErrNotParticipant
		}
		winnerID, reason := outcome(g)
		if err := s.terminate(tx, g, winnerID, reason, nil); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TimeoutIfFlagged observes both clocks at `now` and, when a side has
// run out, terminates the game with the timeout outcome. The opponent's
// clock is written back at its true remaining value in the same update.
// Returns true when this call finished the game.
func (s *GameService) TimeoutIfFlagged(ctx context.Context, gameID string, now time.Time) (bool, error) {
	var out *models.Game
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := loadGame(tx, gameID)
		if err != nil {
			return err
		}
		if g.Status != models.StatusActive {
			return nil
		}
		whiteMs, blackMs := engine.ObserveClocks(g, now)
		side := engine.FlaggedSide(whiteMs, blackMs)
		if side == "" {
			return nil
		}
		if err := s.terminateOnFlag(tx, g, side, now); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return false, err
	}
	if out == nil {
		return false, nil
	}
	s.notifyFinished(out)
	return true, nil
}

// ExpireWaiting cancels a game the creator left sitting in waiting past
// the staleness window. Driven by the sweeper; skips silently when a
// joiner slipped in or the game already ended.
func (s *GameService) ExpireWaiting(ctx context.Context, gameID string) (bool, error) {
	var out *models.Game
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := loadGame(tx, gameID)
		if err != nil {
			return err
		}
		if g.Status != models.StatusWaiting {
			return nil
		}
		if err := s.terminate(tx, g, nil, models.ReasonCancellation, nil); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return false, err
	}
	if out == nil {
		return false, nil
	}
	s.notifyFinished(out)
	s.Sink.Publish(LobbyChannel, "game-cancelled", map[string]string{"id": out.ID})
	return true, nil
}

// Snapshot returns the full state of a game for one of its
// participants, with both clocks decayed to now.
func (s *GameService) Snapshot(ctx context.Context, gameID, requesterID string) (*GameSnapshot, error) {
	var g models.Game
	err := s.DB.WithContext(ctx).
		Preload("Creator").
		Preload("Joiner").
		Preload("Moves", func(db *gorm.DB) *gorm.DB {
			return db.Order("number ASC")
		}).
		First(&g, "id = ?", gameID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !g.IsParticipant(requesterID) {
		return nil, ErrForbidden
	}
	whiteMs, blackMs := engine.ObserveClocks(&g, time.Now())
	return &GameSnapshot{
		Game:          &g,
		WhiteTimeLeft: whiteMs,
		BlackTimeLeft: blackMs,
		Turn:          engine.SideToMove(g.FEN),
	}, nil
}

// ListWaiting returns the open-lobby view.
func (s *GameService) ListWaiting(ctx context.Context) ([]models.Game, error) {
	var games []models.Game
	err := s.DB.WithContext(ctx).
		Preload("Creator").
		Where("status = ?", models.StatusWaiting).
		Order("created_at DESC").
		Find(&games).Error
	return games, err
}

// ListForUser returns the caller's unfinished games.
func (s *GameService) ListForUser(ctx context.Context, userID string) ([]models.Game, error) {
	var games []models.Game
	err := s.DB.WithContext(ctx).
		Preload("Creator").
		Preload("Joiner").
		Where("(creator_id = ? OR joiner_id = ?) AND status IN ?", userID, userID,
			[]string{models.StatusWaiting, models.StatusActive}).
		Order("created_at DESC").
		Find(&games).Error
	return games, err
}

// StaleWaiting lists waiting games created before the cutoff.
func (s *GameService) StaleWaiting(ctx context.Context, cutoff time.Time) ([]models.Game, error) {
	var games []models.Game
	err := s.DB.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.StatusWaiting, cutoff).
		Find(&games).Error
	return games, err
}

// ActiveGames lists every game currently in progress, for the
// expired-clock sweep.
func (s *GameService) ActiveGames(ctx context.Context) ([]models.Game, error) {
	var games []models.Game
	err := s.DB.WithContext(ctx).
		Where("status = ?", models.StatusActive).
		Find(&games).Error
	return games, err
}

type clockPair struct {
	whiteMs, blackMs int64
}

// terminateOnFlag resolves a flag fall: win on time for the opponent,
// or a draw when the opponent lacks mating material in the position at
// the moment of flagging.
func (s *GameService) terminateOnFlag(tx *gorm.DB, g *models.Game, flaggedSide string, now time.Time) error {
	whiteMs, blackMs := engine.ObserveClocks(g, now)
	clocks := &clockPair{whiteMs: whiteMs, blackMs: blackMs}
	opponent := engine.Opponent(flaggedSide)
	if engine.HasMatingMaterial(g.FEN, opponent) {
		w := g.PlayerBySide(opponent)
		return s.terminate(tx, g, &w, models.ReasonTimeout, clocks)
	}
	return s.terminate(tx, g, nil, models.ReasonInsufficientMaterial, clocks)
}

// terminate moves a game to finished and settles the stakes, all inside
// the caller's transaction. The conditional write is keyed on the
// version of the state the caller's outcome decision was based on: if
// the row moved on since that read (a move landed in time, a joiner
// slipped into a waiting game, another terminator won), the write
// matches nothing and the caller fails cleanly instead of settling
// against a state that no longer exists. A race lost to another
// terminator is adopted as a silent no-op; anything else is
// ErrConflict so the caller re-evaluates against fresh state.
// Settlement and the status write are one atomic unit: if the ledger
// write fails, the whole transaction unwinds.
func (s *GameService) terminate(tx *gorm.DB, g *models.Game, winnerID *string, reason string, clocks *clockPair) error {
	updates := map[string]any{
		"status":        models.StatusFinished,
		"end_reason":    reason,
		"bet_processed": true,
		"version":       g.Version + 1,
	}
	if winnerID != nil {
		updates["winner_id"] = *winnerID
	}
	if clocks != nil {
		updates["white_time_left"] = clocks.whiteMs
		updates["black_time_left"] = clocks.blackMs
	}
	res := tx.Model(&models.Game{}).
		Where("id = ? AND version = ? AND status <> ?", g.ID, g.Version, models.StatusFinished).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var cur models.Game
		if err := tx.First(&cur, "id = ?", g.ID).Error; err != nil {
			return err
		}
		if cur.Status == models.StatusFinished {
			// Another terminator won; adopt its outcome.
			*g = cur
			return nil
		}
		return ErrConflict
	}

	if winnerID != nil {
		if err := s.Ledger.Credit(tx, g.ID, *winnerID, 2*g.BetAmount); err != nil {
			return err
		}
	} else {
		if err := s.Ledger.Refund(tx, g.ID, g.CreatorID, g.BetAmount); err != nil {
			return err
		}
		if g.JoinerID != nil {
			if err := s.Ledger.Refund(tx, g.ID, *g.JoinerID, g.BetAmount); err != nil {
				return err
			}
		}
	}

	g.Status = models.StatusFinished
	g.WinnerID = winnerID
	g.EndReason = reason
	g.BetProcessed = true
	g.Version++
	if clocks != nil {
		g.WhiteTimeLeft = clocks.whiteMs
		g.BlackTimeLeft = clocks.blackMs
	}
	return nil
}

// notifyFinished publishes the terminal event and archives the PGN.
// Both are strictly post-commit and best-effort.
func (s *GameService) notifyFinished(g *models.Game) {
	payload := map[string]any{
		"id":     g.ID,
		"reason": g.EndReason,
	}
	if g.WinnerID != nil {
		payload["winner_id"] = *g.WinnerID
		payload["winner"] = g.PlayerColor(*g.WinnerID)
	}
	s.Sink.Publish(GameChannel(g.ID), "game-ended", payload)
	s.archiveFinished(g)
}

func (s *GameService) archiveFinished(g *models.Game) {
	if !utils.ArchiveEnabled() {
		return
	}
	_, sans, err := moveHistory(s.DB, g.ID)
	if err != nil {
		log.Printf("❌ [ARCHIVE] load moves for %s: %v", g.ID, err)
		return
	}
	whiteName := playerName(s.DB, g.WhitePlayerID)
	blackName := "?"
	if g.BlackPlayerID != nil {
		blackName = playerName(s.DB, *g.BlackPlayerID)
	}
	winnerColor := ""
	if g.WinnerID != nil {
		winnerColor = g.PlayerColor(*g.WinnerID)
	}
	pgn := engine.BuildPGN(whiteName, blackName, sans, engine.PGNResult(winnerColor), g.EndReason)
	key := utils.ArchiveKey(g.ID, whiteName, blackName)
	url, err := utils.UploadGamePGN(context.Background(), key, pgn)
	if err != nil {
		log.Printf("❌ [ARCHIVE] upload %s: %v", g.ID, err)
		return
	}
	if err := s.DB.Model(&models.Game{}).Where("id = ?", g.ID).Update("archive_url", url).Error; err != nil {
		log.Printf("❌ [ARCHIVE] record url for %s: %v", g.ID, err)
	}
}

func loadGame(tx *gorm.DB, gameID string) (*models.Game, error) {
	var g models.Game
	if err := tx.First(&g, "id = ?", gameID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

func moveHistory(tx *gorm.DB, gameID string) (uci []string, san []string, err error) {
	var rows []models.Move
	if err := tx.Where("game_id = ?", gameID).Order("number ASC").Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	uci = make([]string, 0, len(rows))
	san = make([]string, 0, len(rows))
	for _, r := range rows {
		uci = append(uci, r.UCI)
		san = append(san, r.SAN)
	}
	return uci, san, nil
}

func playerName(tx *gorm.DB, userID string) string {
	var u models.User
	if err := tx.First(&u, "id = ?", userID).Error; err != nil {
		return userID
	}
	return u.Name
}

func reasonFromEngine(reason string) string {
	switch reason {
	case "checkmate":
		return models.ReasonCheckmate
	case "stalemate":
		return models.ReasonStalemate
	case "insufficient_material":
		return models.ReasonInsufficientMaterial
	default:
		return models.ReasonDraw
	}
}
