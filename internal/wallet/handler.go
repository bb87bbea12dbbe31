package wallet

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/giftwallet/internal/eligibility"
	"github.com/congo-pay/giftwallet/internal/issuing"
	"github.com/congo-pay/giftwallet/internal/ledger"
	"github.com/congo-pay/giftwallet/internal/middleware"
	"github.com/congo-pay/giftwallet/internal/money"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	defaultEntriesLimit  = 50
)

// Handler exposes wallet and card HTTP endpoints. The principal is read from
// the user_id local set by the auth middleware.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type amountRequest struct {
	Amount money.Money `json:"amount"`
}

type sendRequest struct {
	ToAccountID string      `json:"to_account_id"`
	Amount      money.Money `json:"amount"`
}

// Balance returns the caller's balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	uid, err := principal(c)
	if err != nil {
		return err
	}
	balance, err := h.service.Balance(c.UserContext(), uid)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(balance)
}

// Entries returns a page of the caller's ledger history.
func (h *Handler) Entries(c *fiber.Ctx) error {
	uid, err := principal(c)
	if err != nil {
		return err
	}
	after, err := strconv.ParseInt(c.Query("after", "0"), 10, 64)
	if err != nil || after < 0 {
		return fiber.NewError(http.StatusBadRequest, "invalid after cursor")
	}
	limit, err := strconv.Atoi(c.Query("limit", strconv.Itoa(defaultEntriesLimit)))
	if err != nil || limit <= 0 {
		return fiber.NewError(http.StatusBadRequest, "invalid limit")
	}
	page, err := h.service.Entries(c.UserContext(), uid, after, limit)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(page)
}

// AddFunds credits the caller's wallet.
func (h *Handler) AddFunds(c *fiber.Ctx) error {
	uid, err := principal(c)
	if err != nil {
		return err
	}
	var req amountRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.AddFunds(c.UserContext(), FundsInput{
		AccountID:      uid,
		Amount:         req.Amount,
		IdempotencyKey: ledgerKey(c, uid),
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(createdOrReplayed(res.Replayed)).JSON(res)
}

// SendFunds moves funds from the caller to another account.
func (h *Handler) SendFunds(c *fiber.Ctx) error {
	uid, err := principal(c)
	if err != nil {
		return err
	}
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.SendFunds(c.UserContext(), SendInput{
		FromAccountID:  uid,
		ToAccountID:    req.ToAccountID,
		Amount:         req.Amount,
		IdempotencyKey: ledgerKey(c, uid),
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(createdOrReplayed(res.Replayed)).JSON(res)
}

// Refund reverses a transfer. Operator only.
func (h *Handler) Refund(c *fiber.Ctx) error {
	uid, err := principal(c)
	if err != nil {
		return err
	}
	res, err := h.service.Refund(c.UserContext(), c.Params("transferId"), ledgerKey(c, uid))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(createdOrReplayed(res.Replayed)).JSON(res)
}

// FundCard moves balance onto the caller's active card.
func (h *Handler) FundCard(c *fiber.Ctx) error {
	uid, err := principal(c)
	if err != nil {
		return err
	}
	var req amountRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.FundCard(c.UserContext(), FundsInput{
		AccountID:      uid,
		Amount:         req.Amount,
		IdempotencyKey: ledgerKey(c, uid),
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(createdOrReplayed(res.Replayed)).JSON(res)
}

// CardStatus reports the caller's card and whether one can be requested.
func (h *Handler) CardStatus(c *fiber.Ctx) error {
	uid, err := principal(c)
	if err != nil {
		return err
	}
	status, err := h.service.CardStatus(c.UserContext(), uid)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(status)
}

// RequestCard issues a virtual card for the caller.
func (h *Handler) RequestCard(c *fiber.Ctx) error {
	uid, err := principal(c)
	if err != nil {
		return err
	}
	card, err := h.service.RequestCard(c.UserContext(), uid)
	var ineligible *eligibility.IneligibleError
	switch {
	case errors.As(err, &ineligible):
		// eligibility follows balance, card and processor state, so a retry
		// under the same key must be decided again
		middleware.MarkRetryable(c)
		return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":  err.Error(),
			"reason": ineligible.Reason,
		})
	case errors.Is(err, issuing.ErrProcessorUnavailable) && card.ID != "":
		// the request is recorded and a retry resumes it
		middleware.MarkRetryable(c)
		return c.Status(http.StatusAccepted).JSON(card)
	case err != nil:
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(card)
}

func (h *Handler) FreezeCard(c *fiber.Ctx) error {
	return h.cardAction(c, h.service.FreezeCard)
}

func (h *Handler) UnfreezeCard(c *fiber.Ctx) error {
	return h.cardAction(c, h.service.UnfreezeCard)
}

func (h *Handler) CloseCard(c *fiber.Ctx) error {
	return h.cardAction(c, h.service.CloseCard)
}

func (h *Handler) cardAction(c *fiber.Ctx, action func(ctx context.Context, accountID string) (issuing.Card, error)) error {
	uid, err := principal(c)
	if err != nil {
		return err
	}
	card, err := action(c.UserContext(), uid)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(card)
}

// CardWebhook receives processor card events. Replays and events for unknown
// cards are acknowledged so the processor stops retrying.
func (h *Handler) CardWebhook(c *fiber.Ctx) error {
	signature := c.Get(h.service.WebhookSignatureHeader())
	res, err := h.service.HandleCardWebhook(c.UserContext(), c.Body(), signature)
	switch {
	case errors.Is(err, issuing.ErrReplayedEvent), errors.Is(err, issuing.ErrUnknownCard):
		return c.Status(http.StatusOK).JSON(res)
	case err != nil:
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(res)
}

func principal(c *fiber.Ctx) (string, error) {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return "", fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	return uid, nil
}

// ledgerKey scopes the client's Idempotency-Key to the principal so two users
// never collide on the same key.
func ledgerKey(c *fiber.Ctx, uid string) string {
	key := c.Get(idempotencyKeyHeader)
	if key == "" {
		return ""
	}
	return uid + ":" + key
}

func createdOrReplayed(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

// toHTTPError maps domain errors onto HTTP statuses. Unexpected errors are
// returned as is for the error handler to log and mask.
func toHTTPError(err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe
	}
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		return err
	}
	return fiber.NewError(status, err.Error())
}

// StatusFor returns the HTTP status for a domain error.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidAccount),
		errors.Is(err, ErrIdempotencyKeyRequired),
		errors.Is(err, ErrSameAccount),
		errors.Is(err, ErrReservedAccount),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInvalidPosting),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrTooPrecise),
		errors.Is(err, issuing.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, issuing.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrTransferNotFound),
		errors.Is(err, issuing.ErrNoCard):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrIdempotencyKeyReuse),
		errors.Is(err, ledger.ErrAlreadyReversed),
		errors.Is(err, issuing.ErrInvalidTransition),
		errors.Is(err, issuing.ErrCardExists):
		return http.StatusConflict
	case errors.Is(err, eligibility.ErrIneligible),
		errors.Is(err, ErrCardNotActive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, issuing.ErrProcessorRejected):
		return http.StatusBadGateway
	case errors.Is(err, issuing.ErrProcessorUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
