package auth

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const HeaderSecret = "X-Admin-Secret"

// Guard protects the admin API with a shared secret and an optional client network allow-list.
type Guard struct {
	secret []byte
	cidrs  []*net.IPNet
}

func New(secret string, allowedCIDRs []string) (*Guard, error) {
	g := &Guard{secret: []byte(strings.TrimSpace(secret))}
	if len(g.secret) == 0 {
		return nil, fmt.Errorf("admin secret is required")
	}
	for _, s := range allowedCIDRs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("admin cidr %q: %w", s, err)
		}
		g.cidrs = append(g.cidrs, n)
	}
	return g, nil
}

// AdminOnly rejects requests from outside the allowed networks with 403 and requests
// without the shared secret with 401. The secret comes from the X-Admin-Secret header or a
// bearer token.
func (g *Guard) AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(g.cidrs) > 0 && !g.allowIP(c.Request.RemoteAddr) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		secret := c.GetHeader(HeaderSecret)
		if secret == "" {
			if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
				secret = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if !g.validSecret(secret) {
			c.Header("WWW-Authenticate", `Bearer realm="admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (g *Guard) validSecret(v string) bool {
	vb := []byte(strings.TrimSpace(v))
	if len(vb) == 0 || len(vb) != len(g.secret) {
		return false
	}
	return subtle.ConstantTimeCompare(vb, g.secret) == 1
}

func (g *Guard) allowIP(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidr := range g.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
