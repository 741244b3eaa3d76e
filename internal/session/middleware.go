package session

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ocrdrop/internal/logging"
)

const tokenContextKey = "session_token"

// Middleware resolves the caller's session, issuing a fresh one when the
// presented token is missing, unknown or expired.
func (s *Service) Middleware() gin.HandlerFunc {
	log := logging.Named("session")
	return func(c *gin.Context) {
		token, bearer := extractToken(c)
		err := s.Validate(c.Request.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrExpired):
			token, err = s.Issue(c.Request.Context())
			if err != nil {
				log.Errorw("issue session failed", "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not start session"})
				return
			}
			c.Header(TokenHeaderName, token)
			if !bearer {
				s.setCookie(c, CookieName, token, true)
			}
		default:
			log.Errorw("validate session failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not load session"})
			return
		}

		if !bearer {
			if csrf, err := c.Cookie(CSRFCookieName); err != nil || csrf == "" {
				value, err := generateToken()
				if err != nil {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not start session"})
					return
				}
				s.setCookie(c, CSRFCookieName, value, false)
				// a first-visit page render needs the value before the cookie round-trips
				c.Set(CSRFCookieName, value)
			}
		}
		c.Set(tokenContextKey, token)
		c.Next()
	}
}

// TokenFromContext returns the session token resolved by Middleware.
func TokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(tokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok && token != ""
}

// CSRFToken returns the double-submit value the page should echo back.
func CSRFToken(c *gin.Context) string {
	if v, ok := c.Get(CSRFCookieName); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	value, _ := c.Cookie(CSRFCookieName)
	return value
}

func (s *Service) setCookie(c *gin.Context, name, value string, httpOnly bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, int(s.ttl.Seconds()), "/", "", c.Request.TLS != nil, httpOnly)
}

// CSRFMiddleware rejects cookie-session writes whose X-CSRF-Token header
// does not echo the CSRF cookie. Bearer requests are exempt.
func CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !readOnly(c.Request.Method) && !csrfPassed(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

// csrfPassed reports whether a mutating request may proceed.
func csrfPassed(c *gin.Context) bool {
	if _, bearer := extractToken(c); bearer {
		return true
	}
	sent := c.GetHeader(CSRFHeaderName)
	if sent == "" {
		return false
	}
	cookie, err := c.Cookie(CSRFCookieName)
	return err == nil && cookie == sent
}

func readOnly(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func extractToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:]), true
	}
	if token, err := c.Cookie(CookieName); err == nil && token != "" {
		return token, false
	}
	return "", false
}
