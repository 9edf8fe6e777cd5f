package handlers

import (
	"errors"
	"log"

	"chess-wager-system/middleware"
	"chess-wager-system/services"
	"chess-wager-system/workers"

	"github.com/gofiber/fiber/v2"
)

// GameHandler exposes the wager session operations over HTTP.
type GameHandler struct {
	Games   *services.GameService
	Ledger  *services.Ledger
	Sweeper *workers.Sweeper
}

func NewGameHandler(games *services.GameService, ledger *services.Ledger, sweeper *workers.Sweeper) *GameHandler {
	return &GameHandler{Games: games, Ledger: ledger, Sweeper: sweeper}
}

func SetupGameRoutes(app *fiber.App, h *GameHandler) {
	// 🔓 Public routes — no user context, but still behind Gateway auth.
	app.Get("/games", h.ListWaiting)

	// Reconciliation trigger for external cron; the sweeper also runs
	// on its own schedule.
	app.Post("/cron/sweep", h.Sweep)

	// 🔐 Secured routes — require user context, enforced via middleware.
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Post("/games", h.Create)
	secured.Get("/games/active", h.ListMine)
	secured.Get("/games/:id/state", h.State)
	secured.Get("/games/:id/ledger", h.GameLedger)
	secured.Post("/games/:id/join", h.Join)
	secured.Post("/games/:id/cancel", h.Cancel)
	secured.Post("/games/:id/move", h.Move)
	secured.Post("/games/:id/draw", h.Draw)
	secured.Post("/games/:id/abandon", h.Abandon)
}

func (h *GameHandler) Create(c *fiber.Ctx) error {
	var input struct {
		BetAmount    int64 `json:"bet_amount"`
		TimeBudgetMs int64 `json:"time_budget_ms"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if input.BetAmount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bet_amount must be positive"})
	}
	game, err := h.Games.Create(c.Context(), middleware.UserID(c), input.BetAmount, input.TimeBudgetMs)
	if err != nil {
		return domainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(game)
}

func (h *GameHandler) ListWaiting(c *fiber.Ctx) error {
	games, err := h.Games.ListWaiting(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch games"})
	}
	return c.JSON(games)
}

func (h *GameHandler) ListMine(c *fiber.Ctx) error {
	games, err := h.Games.ListForUser(c.Context(), middleware.UserID(c))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch games"})
	}
	return c.JSON(games)
}

func (h *GameHandler) State(c *fiber.Ctx) error {
	snap, err := h.Games.Snapshot(c.Context(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(snap)
}

func (h *GameHandler) GameLedger(c *fiber.Ctx) error {
	snap, err := h.Games.Snapshot(c.Context(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return domainError(c, err)
	}
	entries, err := h.Ledger.EntriesForGame(snap.Game.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch ledger"})
	}
	return c.JSON(entries)
}

func (h *GameHandler) Join(c *fiber.Ctx) error {
	game, err := h.Games.Join(c.Context(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(game)
}

func (h *GameHandler) Cancel(c *fiber.Ctx) error {
	game, err := h.Games.Cancel(c.Context(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(game)
}

func (h *GameHandler) Move(c *fiber.Ctx) error {
	var input struct {
		Move string `json:"move"`
		// Accepted for wire compatibility; elapsed time is always
		// computed from the server clock.
		ClientTimestamp int64 `json:"client_timestamp,omitempty"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if input.Move == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "move is required"})
	}
	game, err := h.Games.ApplyMove(c.Context(), c.Params("id"), middleware.UserID(c), input.Move)
	if err != nil {
		if errors.Is(err, services.ErrTimeExpired) {
			// The flag fall finished the game; report the terminal state
			// along with the rejection.
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "clock expired",
				"game":  game,
			})
		}
		return domainError(c, err)
	}
	return c.JSON(game)
}

func (h *GameHandler) Draw(c *fiber.Ctx) error {
	game, err := h.Games.FinishByAgreement(c.Context(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(game)
}

func (h *GameHandler) Abandon(c *fiber.Ctx) error {
	game, err := h.Games.Abandon(c.Context(), c.Params("id"), middleware.UserID(c))
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(game)
}

// Sweep runs one reconciliation pass on demand.
func (h *GameHandler) Sweep(c *fiber.Ctx) error {
	expired, timedOut, err := h.Sweeper.RunOnce(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sweep failed"})
	}
	return c.JSON(fiber.Map{
		"expired_waiting":  expired,
		"timed_out_active": timedOut,
	})
}

// domainError maps the service failure taxonomy onto HTTP statuses.
func domainError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "game not found"})
	case errors.Is(err, services.ErrInsufficientFunds):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrForbidden),
		errors.Is(err, services.ErrNotParticipant):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrNotJoinable),
		errors.Is(err, services.ErrSelfJoin),
		errors.Is(err, services.ErrNotCancelable),
		errors.Is(err, services.ErrNotYourTurn),
		errors.Is(err, services.ErrNotActive),
		errors.Is(err, services.ErrAlreadyFinished):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrIllegalMove):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	log.Printf("❌ [HTTP] unexpected error: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
