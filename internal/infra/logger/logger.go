package logger

import (
	"context"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	lg   *zap.Logger
	once sync.Once
)

// New returns a singleton zap.Logger configured for structured logging.
func New(env string) (*zap.Logger, error) {
	var err error
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		if env != "production" {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}

		lg, err = cfg.Build()
	})

	return lg, err
}

// WithContext attaches request scoped fields to the logger.
func WithContext(ctx context.Context) *zap.Logger {
	if lg == nil {
		lz, _ := zap.NewDevelopment()
		return lz
	}

	if ctx == nil {
		return lg
	}

	return lg.With(zap.String("request_id", RequestIDFromContext(ctx)))
}

// With decorates base with the request scoped fields carried by ctx.
func With(ctx context.Context, base *zap.Logger) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		return base
	}
	return base.With(zap.String("request_id", requestID))
}

// RequestIDFromContext extracts the correlation identifier stored by the request id middleware.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(RequestIDKey{}).(string); ok {
		return val
	}
	return ""
}

// RequestIDKey is used to store a request identifier on the context.
type RequestIDKey struct{}

// MaskSubject hides most of an identity key so logs do not carry full student or staff ids.
// Example: "STU-2024-00123" -> "ST***23"
func MaskSubject(subjectID string) string {
	if subjectID == "" {
		return ""
	}

	length := len(subjectID)
	if length <= 4 {
		return "***"
	}

	return subjectID[:2] + "***" + subjectID[length-2:]
}

// SubjectField is the zap field used wherever a subject id is logged.
func SubjectField(subjectID string) zap.Field {
	return zap.String("subject", MaskSubject(subjectID))
}

// MaskIP keeps the network part of a client address. Example: "192.168.10.4" -> "192.168.*.*"
func MaskIP(ip string) string {
	if ip == "" {
		return ""
	}

	parsed := net.ParseIP(ip)
	switch {
	case parsed == nil:
		return "***"
	case parsed.To4() != nil:
		parts := strings.Split(parsed.To4().String(), ".")
		return parts[0] + "." + parts[1] + ".*.*"
	default:
		parts := strings.Split(ip, ":")
		if len(parts) >= 4 {
			return strings.Join(parts[:4], ":") + ":*:*:*:*"
		}
		return "***"
	}
}
