package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader    = "Idempotency-Key"
	idempotentReplayHeader  = "Idempotent-Replayed"
	idempotencyPrefix       = "idempotency:v2:"
	idempotencyStoreTimeout = 2 * time.Second
	idempotencyRetryLocal   = "idempotency_retryable"
)

// MarkRetryable tells Idempotency not to store the response being built. Use
// it for outcomes that depend on transient state, such as a processor outage,
// so a retry with the same key reaches the handler again.
func MarkRetryable(c *fiber.Ctx) {
	c.Locals(idempotencyRetryLocal, true)
}

func retryable(c *fiber.Ctx) bool {
	marked, _ := c.Locals(idempotencyRetryLocal).(bool)
	return marked
}

// idempotencyRecord is what a reserved key holds in Redis. A record without a
// Status is still being processed.
type idempotencyRecord struct {
	Fingerprint string `json:"fingerprint"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

func (r idempotencyRecord) done() bool { return r.Status != 0 }

// Idempotency replays the stored response of a mutating request when the
// caller retries with the same Idempotency-Key. Keys are scoped to the
// principal and bound to a fingerprint of the request, so reusing a key for a
// different request is refused. Handler errors, 5xx responses and responses
// marked with MarkRetryable release the key, leaving the retry to the ledger's
// own idempotency.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		cacheKey := idempotencyCacheKey(c, key)
		fingerprint := requestFingerprint(c)

		ctx, cancel := context.WithTimeout(context.Background(), idempotencyStoreTimeout)
		defer cancel()

		pending, err := json.Marshal(idempotencyRecord{Fingerprint: fingerprint})
		if err != nil {
			return err
		}
		reserved, err := cache.SetNX(ctx, cacheKey, pending, ttl).Result()
		if err != nil {
			logger.Error("idempotency reservation failed", slog.String("key", key), slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
		}
		if !reserved {
			return replayStored(c, cache, cacheKey, fingerprint, logger)
		}

		if err := c.Next(); err != nil {
			release(cache, cacheKey, logger)
			return err
		}
		status := c.Response().StatusCode()
		if status >= fiber.StatusInternalServerError || retryable(c) {
			release(cache, cacheKey, logger)
			return nil
		}

		record, err := json.Marshal(idempotencyRecord{
			Fingerprint: fingerprint,
			Status:      status,
			ContentType: string(c.Response().Header.ContentType()),
			Body:        c.Response().Body(),
		})
		if err == nil {
			persistCtx, persistCancel := context.WithTimeout(context.Background(), idempotencyStoreTimeout)
			defer persistCancel()
			err = cache.Set(persistCtx, cacheKey, record, ttl).Err()
		}
		if err != nil {
			// the ledger still dedupes a retry, so the response already
			// produced is returned as is
			logger.Error("persist idempotent response", slog.String("key", key), slog.Any("error", err))
			release(cache, cacheKey, logger)
		}
		return nil
	}
}

func replayStored(c *fiber.Ctx, cache *redis.Client, cacheKey, fingerprint string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyStoreTimeout)
	defer cancel()

	raw, err := cache.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		// released between our reservation attempt and the read
		return fiber.NewError(fiber.StatusConflict, "request with this Idempotency-Key is being retried, try again")
	}
	if err != nil {
		logger.Error("idempotency lookup failed", slog.String("cache_key", cacheKey), slog.Any("error", err))
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
	}

	var record idempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		logger.Warn("decode stored idempotent response", slog.String("cache_key", cacheKey), slog.Any("error", err))
		return fiber.NewError(fiber.StatusConflict, "duplicate request")
	}
	if record.Fingerprint != fingerprint {
		return fiber.NewError(fiber.StatusConflict, "Idempotency-Key already used for a different request")
	}
	if !record.done() {
		return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	}

	if record.ContentType != "" {
		c.Set(fiber.HeaderContentType, record.ContentType)
	}
	c.Set(idempotentReplayHeader, "true")
	return c.Status(record.Status).Send(record.Body)
}

func release(cache *redis.Client, cacheKey string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyStoreTimeout)
	defer cancel()
	if err := cache.Del(ctx, cacheKey).Err(); err != nil {
		logger.Warn("release idempotency key", slog.String("cache_key", cacheKey), slog.Any("error", err))
	}
}

func idempotencyCacheKey(c *fiber.Ctx, key string) string {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return idempotencyPrefix + key
	}
	return idempotencyPrefix + uid + ":" + key
}

// requestFingerprint hashes the route and body a key was first used with.
func requestFingerprint(c *fiber.Ctx) string {
	h := sha256.New()
	h.Write([]byte(c.Method()))
	h.Write([]byte{0})
	h.Write([]byte(c.Path()))
	h.Write([]byte{0})
	h.Write(c.Body())
	return hex.EncodeToString(h.Sum(nil))
}
