package middleware

import (
	"crypto/subtle"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendsync/config"
	"golang.org/x/crypto/bcrypt"
)

const (
	UserIDKey      = "user_id"
	AdminKeyHeader = "X-Admin-Key"
)

// Auth validates the Bearer JWT and stores its user id in the context.
func Auth(sec config.SecurityConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token", "code": "unauthenticated"})
			return
		}
		claims, err := ParseToken(strings.TrimPrefix(header, "Bearer "), sec.JWTSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "unauthenticated"})
			return
		}
		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

// GetUserID retrieves the authenticated user id from the Gin context.
func GetUserID(c *gin.Context) string {
	if v, exists := c.Get(UserIDKey); exists {
		return v.(string)
	}
	return ""
}

// AdminKey guards diagnostic and repair routes with a shared key. The
// configured key may be a bcrypt hash of the key clients send. An empty
// configured key disables those routes.
func AdminKey(key string) gin.HandlerFunc {
	match := func(got string) bool {
		return subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1
	}
	if isBcryptHash(key) {
		match = func(got string) bool {
			return bcrypt.CompareHashAndPassword([]byte(key), []byte(got)) == nil
		}
	}
	return func(c *gin.Context) {
		got := c.GetHeader(AdminKeyHeader)
		if key == "" || got == "" || !match(got) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied", "code": "permission_denied"})
			return
		}
		c.Next()
	}
}

func isBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// IPAllowlist only lets through clients whose address matches one of the
// entries, given as addresses or CIDR prefixes. An empty list allows all.
func IPAllowlist(entries []string) gin.HandlerFunc {
	var prefixes []netip.Prefix
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return func(c *gin.Context) {
		if len(entries) == 0 {
			c.Next()
			return
		}
		addr, err := netip.ParseAddr(c.ClientIP())
		if err == nil {
			addr = addr.Unmap()
			for _, p := range prefixes {
				if p.Contains(addr) {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied", "code": "permission_denied"})
	}
}
