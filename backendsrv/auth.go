package backendsrv

import (
	"net/http"
	"strings"
	"time"

	"SupportChat/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// context key read by the handlers after the middleware ran
const CtxParticipantKey = "participantId"

// IssueToken mints the bearer token the identity provider would hand a
// participant. HS256 with the shared secret; enough for the reference
// backend, not an identity product.
func IssueToken(participantID string, secret []byte, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": participantID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseBearer(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

func verifyToken(raw string, secret []byte) (string, error) {
	if raw == "" {
		return "", errs.ErrTokenInvalid.WrapMsg("missing token")
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.New("unexpected signing method", "alg", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !tok.Valid {
		return "", errs.ErrTokenInvalid.WrapMsg("parse token", "err", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", errs.ErrTokenInvalid.WrapMsg("bad claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errs.ErrTokenInvalid.WrapMsg("missing sub")
	}
	return sub, nil
}

// AuthMiddleware rejects requests without a valid bearer token and puts
// the participant id into the gin context.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, err := verifyToken(parseBearer(c.Request), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenInvalid)
			return
		}
		c.Set(CtxParticipantKey, pid)
		c.Next()
	}
}
