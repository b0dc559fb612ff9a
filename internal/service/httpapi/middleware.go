package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/service/idempotency"
)

const (
	capabilityKey        = "capability"
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotency-Replayed"
)

// Claims — полезная нагрузка bearer-токена. CallerID берётся из user_id, иначе из sub.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ParseToken проверяет HS256-подпись и срок действия, возвращая capability вызывающего.
func ParseToken(raw, secret string) (domain.Capability, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return domain.Capability{}, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}

	callerID := strings.TrimSpace(claims.UserID)
	if callerID == "" {
		callerID = strings.TrimSpace(claims.Subject)
	}
	if callerID == "" {
		return domain.Capability{}, fmt.Errorf("%w: token without subject", domain.ErrUnauthorized)
	}

	role := domain.RoleBuyer
	if claims.Role != "" {
		parsed, ok := domain.ParseRole(claims.Role)
		if !ok {
			return domain.Capability{}, fmt.Errorf("%w: unknown role %q", domain.ErrUnauthorized, claims.Role)
		}
		role = parsed
	}
	return domain.Capability{CallerID: callerID, Role: role}, nil
}

// jwtAuth кладёт capability в контекст gin или отвечает 401.
func jwtAuth(secret string, logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractToken(c.GetHeader("Authorization"))
		if raw == "" {
			writeError(c, logger, fmt.Errorf("%w: bearer token is required", domain.ErrUnauthorized))
			return
		}
		capability, err := ParseToken(raw, secret)
		if err != nil {
			logger.WithError(err).Warn("invalid jwt token")
			writeError(c, logger, err)
			return
		}
		c.Set(capabilityKey, capability)
		c.Next()
	}
}

func extractToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

func callerFrom(c *gin.Context) domain.Capability {
	value, ok := c.Get(capabilityKey)
	if !ok {
		return domain.Capability{}
	}
	capability, _ := value.(domain.Capability)
	return capability
}

// accessLog пишет одну запись logrus на запрос.
func accessLog(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := log.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
		}
		if caller := callerFrom(c); caller.CallerID != "" {
			fields["caller"] = caller.CallerID
		}
		entry := logger.WithFields(fields)
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("http request")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("http request")
		default:
			entry.Info("http request")
		}
	}
}

// capturingWriter дублирует тело ответа для кэша идемпотентности.
type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(data []byte) (int, error) {
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotent обрабатывает Idempotency-Key: без заголовка запрос проходит как обычно.
func idempotent(guard *idempotency.Guard, logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
		if guard == nil || key == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, logger, fmt.Errorf("%w: read body: %v", domain.ErrValidation, err))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		hash := idempotency.RequestHash(c.Request.Method, c.Request.URL.Path, callerFrom(c).CallerID, body)
		replay, err := guard.Begin(c.Request.Context(), key, hash)
		if err != nil {
			if errors.Is(err, domain.ErrIdempotencyHashMismatch) {
				err = fmt.Errorf("%w: idempotency key is already used with different request payload", err)
			}
			writeError(c, logger, err)
			return
		}
		if replay != nil {
			c.Header(replayedHeader, "true")
			c.Data(replay.HTTPStatus, "application/json; charset=utf-8", replay.Body)
			c.Abort()
			return
		}

		writer := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		// Finish не зависит от отмены запроса клиентом.
		guard.Finish(c.Request.Context(), key, writer.Status(), writer.body.Bytes())
	}
}
