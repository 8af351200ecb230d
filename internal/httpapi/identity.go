package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dataspan/gateway/pkg/invocation"
)

// Identity is what the JWT carries into the invocation context's named
// slots, available to a plugin's HasPermission check (spec §4.5) and to any
// hook script via ic.Get("identity")/ic.Get("roles").
type Identity struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
}

type claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// identityMiddleware validates the bearer token against secret and stores
// the resulting Identity in the gin context for injectIdentity to pick up.
// A missing or invalid token aborts the request with 401. The length of
// secret is not checked here.
func identityMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		cl, ok := token.Claims.(*claims)
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		c.Set("identity", &Identity{Subject: cl.Subject, Roles: cl.Roles})
		c.Next()
	}
}

// injectIdentity copies the identity stashed by identityMiddleware into ic's
// named slots, where plugin permission checks and hook scripts read it from.
func injectIdentity(c *gin.Context, ic *invocation.Context) {
	v, ok := c.Get("identity")
	if !ok {
		return
	}
	id, ok := v.(*Identity)
	if !ok {
		return
	}
	ic.Insert("identity", id)
	ic.Insert("roles", id.Roles)
}

// injectTrace copies the trace id stamped by traceMiddleware into ic's named
// slots, so hook scripts and downstream log lines can correlate a call back
// to the originating HTTP request.
func injectTrace(c *gin.Context, ic *invocation.Context) {
	v, ok := c.Get("trace_id")
	if !ok {
		return
	}
	if id, ok := v.(string); ok {
		ic.Insert("trace_id", id)
	}
}

func issueToken(secret []byte, id *Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		Roles: id.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(secret)
}
