package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/giftwallet/internal/middleware"
	"github.com/congo-pay/giftwallet/internal/wallet"
)

// RegisterWalletRoutes wires balance and ledger endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Get("/wallet", h.Balance)
	r.Get("/wallet/entries", h.Entries)
	r.Post("/wallet/funds", h.AddFunds)
	r.Post("/wallet/transfers", h.SendFunds)
	r.Post("/wallet/transfers/:transferId/refund", middleware.RequireRole(middleware.RoleOperator), h.Refund)
	r.Post("/wallet/card-funding", h.FundCard)
}
