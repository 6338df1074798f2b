package demoapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyClaims  = "session_claims"
	bearerPrefix      = "Bearer "
	errorUnauthorized = "unauthorized"
	errorForbidden    = "forbidden"
	paramUserID       = "user_id"
)

var errMissingSession = errors.New("missing session")

// SessionClaims is the signed session payload issued by the auth service.
type SessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type sessionValidator struct {
	signingKey []byte
	issuer     string
	cookieName string
	parser     *jwt.Parser
}

func newSessionValidator(cfg Config) *sessionValidator {
	return &sessionValidator{
		signingKey: []byte(cfg.SessionSigningKey),
		issuer:     cfg.SessionIssuer,
		cookieName: cfg.SessionCookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.SessionIssuer),
			jwt.WithExpirationRequired(),
		),
	}
}

func (validator *sessionValidator) claimsFromRequest(request *http.Request) (*SessionClaims, error) {
	raw := ""
	if header := request.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		raw = strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	} else if cookie, err := request.Cookie(validator.cookieName); err == nil {
		raw = cookie.Value
	}
	if raw == "" {
		return nil, errMissingSession
	}
	claims := &SessionClaims{}
	if _, err := validator.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return validator.signingKey, nil
	}); err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return nil, errMissingSession
	}
	return claims, nil
}

// requireSession rejects requests without a valid session or whose :user_id is not the session's user.
func (validator *sessionValidator) requireSession() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims, err := validator.claimsFromRequest(ctx.Request)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorUnauthorized, "missing or invalid session"))
			return
		}
		if requested := ctx.Param(paramUserID); requested != "" && requested != claims.UserID {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(errorForbidden, "session does not own this user"))
			return
		}
		ctx.Set(contextKeyClaims, claims)
		ctx.Next()
	}
}
