package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/portal-sync/internal/core/port"
	"github.com/arklim/portal-sync/internal/infra/logger"
)

const (
	rateLimitProblemType  = "https://portal.example.com/errors/rate-limit-exceeded"
	rateLimitProblemTitle = "Rate Limit Exceeded"
)

// IdentifierFunc extracts the identifier a refresh budget is kept for.
type IdentifierFunc func(*gin.Context) (string, bool)

// RefreshGuard caps forced refreshes per subject with a sliding window kept in a RateLimitStore.
type RefreshGuard struct {
	store    port.RateLimitStore
	logger   *zap.Logger
	now      func() time.Time
	limit    int
	window   time.Duration
	identify IdentifierFunc
}

type guardResult struct {
	allowed    bool
	remaining  int
	reset      time.Time
	retryAfter time.Duration
}

// ProblemDetails represents an RFC 9457 compatible error payload for rate limits.
type ProblemDetails struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail"`
	Instance   string `json:"instance"`
	RetryAfter int    `json:"retry_after"`
	TraceID    string `json:"trace_id,omitempty"`
}

// NewRefreshGuard allows limit refreshes per subject within window. A non-positive limit or a nil
// store disables the guard.
func NewRefreshGuard(store port.RateLimitStore, limit int, window time.Duration, log *zap.Logger) *RefreshGuard {
	if log == nil {
		log = zap.NewNop()
	}
	if window <= 0 {
		window = time.Minute
	}

	return &RefreshGuard{
		store:    store,
		logger:   log,
		now:      time.Now,
		limit:    limit,
		window:   window,
		identify: SubjectIdentifier("subject"),
	}
}

// WithClock allows injection of a custom clock (primarily for testing).
func (g *RefreshGuard) WithClock(now func() time.Time) *RefreshGuard {
	if now != nil {
		g.now = now
	}
	return g
}

// WithIdentifier replaces the default subject-param identifier.
func (g *RefreshGuard) WithIdentifier(identify IdentifierFunc) *RefreshGuard {
	if identify != nil {
		g.identify = identify
	}
	return g
}

// ClientIPIdentifier builds an IdentifierFunc using the request's client IP.
func ClientIPIdentifier() IdentifierFunc {
	return func(c *gin.Context) (string, bool) {
		ip := c.ClientIP()
		if ip == "" {
			return "", false
		}
		return ip, true
	}
}

// SubjectIdentifier scopes budgets to the route subject, falling back to the client IP.
func SubjectIdentifier(param string) IdentifierFunc {
	return func(c *gin.Context) (string, bool) {
		if subjectID := c.Param(param); subjectID != "" {
			return subjectID, true
		}
		return ClientIPIdentifier()(c)
	}
}

// Handler guards one refresh route. scope keeps the access and dashboard budgets apart.
// Store failures let the request through.
func (g *RefreshGuard) Handler(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.store == nil || g.limit <= 0 {
			c.Next()
			return
		}

		identifier, ok := g.identify(c)
		if !ok || identifier == "" {
			c.Next()
			return
		}

		res, err := g.check(c, fmt.Sprintf("%s:%s", scope, identifier), g.now())
		if err != nil {
			g.logger.Warn("refresh guard check failed", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}

		g.applyHeaders(c, res)
		if !res.allowed {
			g.logger.Info("refresh rejected",
				zap.String("scope", scope),
				logger.SubjectField(identifier),
				zap.Duration("retry_after", res.retryAfter),
			)
			g.respondRateLimited(c, res)
			return
		}

		c.Next()
	}
}

func (g *RefreshGuard) check(c *gin.Context, key string, now time.Time) (guardResult, error) {
	ctx := c.Request.Context()

	if err := g.store.TrimWindow(ctx, key, g.window, now); err != nil {
		return guardResult{}, err
	}

	count, err := g.store.CountAttempts(ctx, key, g.window, now)
	if err != nil {
		return guardResult{}, err
	}

	oldest, hasAttempts, err := g.store.OldestAttempt(ctx, key, g.window, now)
	if err != nil {
		return guardResult{}, err
	}

	result := guardResult{allowed: true, reset: now.Add(g.window)}
	if hasAttempts {
		result.reset = oldest.Add(g.window)
	}
	result.retryAfter = max(result.reset.Sub(now), 0)

	if count >= g.limit {
		result.allowed = false
		return result, nil
	}

	if err := g.store.RecordAttempt(ctx, key, now); err != nil {
		return guardResult{}, err
	}
	result.remaining = max(g.limit-count-1, 0)

	return result, nil
}

func (g *RefreshGuard) applyHeaders(c *gin.Context, res guardResult) {
	headers := c.Writer.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(g.limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(res.remaining))
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(res.reset.Unix(), 10))

	if !res.allowed {
		headers.Set("Retry-After", strconv.Itoa(retrySeconds(res.retryAfter)))
	}
}

func (g *RefreshGuard) respondRateLimited(c *gin.Context, res guardResult) {
	seconds := retrySeconds(res.retryAfter)

	instance := c.FullPath()
	if instance == "" {
		instance = c.Request.URL.Path
	}

	c.AbortWithStatusJSON(http.StatusTooManyRequests, ProblemDetails{
		Type:       rateLimitProblemType,
		Title:      rateLimitProblemTitle,
		Status:     http.StatusTooManyRequests,
		Detail:     fmt.Sprintf("Too many refreshes. Try again in %d seconds.", seconds),
		Instance:   instance,
		RetryAfter: seconds,
		TraceID:    GetTraceID(c),
	})
}

func retrySeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 0)
}
