package handlers

import (
	"chess-wager-system/middleware"
	"chess-wager-system/services"

	"github.com/gofiber/fiber/v2"
)

// UserHandler exposes account creation and balance reads.
type UserHandler struct {
	Users  *services.UserService
	Ledger *services.Ledger
}

func NewUserHandler(users *services.UserService, ledger *services.Ledger) *UserHandler {
	return &UserHandler{Users: users, Ledger: ledger}
}

func SetupUserRoutes(app *fiber.App, h *UserHandler) {
	app.Post("/users", h.Create)

	secured := app.Group("/users/me", middleware.UserContextMiddleware())
	secured.Get("/balance", h.Balance)
}

func (h *UserHandler) Create(c *fiber.Ctx) error {
	var input struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if input.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name is required"})
	}
	user, err := h.Users.CreateUser(input.Name, input.Email)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create user"})
	}
	return c.Status(fiber.StatusCreated).JSON(user)
}

func (h *UserHandler) Balance(c *fiber.Ctx) error {
	balance, err := h.Ledger.Balance(middleware.UserID(c))
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(fiber.Map{"chess_coin": balance})
}
