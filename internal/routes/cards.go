package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/giftwallet/internal/wallet"
)

// RegisterCardRoutes wires the virtual card lifecycle. limiter guards card
// creation.
func RegisterCardRoutes(r fiber.Router, h *wallet.Handler, limiter fiber.Handler) {
	r.Get("/cards/me", h.CardStatus)
	r.Post("/cards", limiter, h.RequestCard)
	r.Post("/cards/me/freeze", h.FreezeCard)
	r.Post("/cards/me/unfreeze", h.UnfreezeCard)
	r.Post("/cards/me/close", h.CloseCard)
}

// RegisterWebhookRoutes wires processor callbacks.
func RegisterWebhookRoutes(app *fiber.App, h *wallet.Handler) {
	app.Post("/webhooks/card-issuer", h.CardWebhook)
}
