package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ErrorResponse matches the handlers.ErrorResponse structure
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

func newErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		TraceID: GetTraceID(c),
	}
}

// SubjectClaims are the bearer token claims the portal API relies on. The subject id is the
// registered "sub" claim.
type SubjectClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// AuthOptions configures bearer token verification.
type AuthOptions struct {
	Secret string
	Issuer string
	// PrivilegedRoles may act on any subject.
	PrivilegedRoles []string
	// SubjectParam names the route parameter holding the target subject.
	SubjectParam string
}

var defaultPrivilegedRoles = []string{"admin", "accountant"}

// RequireSubject verifies an HS256 bearer token and allows the request when its subject matches
// the route subject or it carries a privileged role. Verification is skipped when no secret is
// configured.
func RequireSubject(opts AuthOptions) gin.HandlerFunc {
	if opts.Secret == "" {
		return func(c *gin.Context) { c.Next() }
	}

	param := opts.SubjectParam
	if param == "" {
		param = "subject"
	}
	privileged := opts.PrivilegedRoles
	if len(privileged) == 0 {
		privileged = defaultPrivilegedRoles
	}

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	secret := []byte(opts.Secret)

	return func(c *gin.Context) {
		raw, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, err.Error()))
			return
		}

		claims := &SubjectClaims{}
		_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}, parserOpts...)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "access token expired"))
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "invalid access token"))
			return
		}

		subjectID := strings.TrimSpace(claims.Subject)
		if subjectID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "access token has no subject"))
			return
		}

		if target := c.Param(param); target != subjectID && !hasAnyRole(claims.Roles, privileged) {
			c.AbortWithStatusJSON(http.StatusForbidden, newErrorResponse(c, "insufficient permissions"))
			return
		}

		c.Set(SubjectIDKey, subjectID)
		c.Set(RolesKey, claims.Roles)
		GetRequestContext(c).SubjectID = subjectID

		c.Next()
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("invalid authorization format: expected 'Bearer <token>'")
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("missing access token")
	}
	return token, nil
}

func hasAnyRole(userRoles []string, requiredRoles []string) bool {
	for _, required := range requiredRoles {
		if slices.Contains(userRoles, required) {
			return true
		}
	}
	return false
}

// GetAuthenticatedSubject returns the subject set by RequireSubject.
func GetAuthenticatedSubject(c *gin.Context) (string, bool) {
	subjectID := c.GetString(SubjectIDKey)
	return subjectID, subjectID != ""
}
