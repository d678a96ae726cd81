package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/citinet/hubtunnel/internal/netutil"
)

const (
	errCodeForbidden        = "forbidden"
	errCodeUnsupportedMedia = "unsupported_media_type"
)

// sameOrigin reports whether a browser-supplied Origin names the host the
// request was sent to. Requests without Origin come from non-browser clients
// such as the CLI.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// loopbackHost reports whether the Host header names this machine. A
// rebound DNS name pointing at 127.0.0.1 fails the check.
func loopbackHost(host string) bool {
	h := netutil.NormalizeHost(host)
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// guardBrowser rejects requests a hostile web page could forge against the
// surface: cross-origin requests, and, when no admin token is configured,
// requests addressed to anything but a loopback name.
func (s *Server) guardBrowser(c *gin.Context) {
	if !sameOrigin(c.Request) {
		s.log.Warn("cross-origin request rejected", "origin", c.GetHeader("Origin"), "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: "cross-origin requests are not allowed", ErrorCode: errCodeForbidden})
		return
	}
	if !s.verifier.Enabled() && !loopbackHost(c.Request.Host) {
		s.log.Warn("request for foreign host rejected", "host", c.Request.Host, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: "host not allowed without an admin token", ErrorCode: errCodeForbidden})
		return
	}
	c.Next()
}

// requireJSON refuses bodies a browser can send without a preflight.
func requireJSON(c *gin.Context) {
	if c.ContentType() != "application/json" {
		c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, errorResponse{Error: "content type must be application/json", ErrorCode: errCodeUnsupportedMedia})
		return
	}
	c.Next()
}
