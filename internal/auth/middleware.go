package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const userKey = "auth_user"

// UserResolver identifies the caller of a request.
type UserResolver interface {
	UserFromRequest(r *http.Request) (*User, error)
}

// Middleware rejects requests without a valid bearer token and stores the
// caller on the gin context.
func Middleware(resolver UserResolver, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := resolver.UserFromRequest(c.Request)
		if err != nil {
			log.Debug().Err(err).Str("path", c.FullPath()).Msg("rejected bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Set(userKey, u)
		c.Next()
	}
}

// CurrentUser returns the caller stored by Middleware, or nil.
func CurrentUser(c *gin.Context) *User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	u, _ := v.(*User)
	return u
}

// UserID returns the caller's id, or "" outside Middleware.
func UserID(c *gin.Context) string {
	if u := CurrentUser(c); u != nil {
		return u.ID
	}
	return ""
}

// ResolverFunc adapts a function to UserResolver.
type ResolverFunc func(r *http.Request) (*User, error)

func (f ResolverFunc) UserFromRequest(r *http.Request) (*User, error) { return f(r) }
