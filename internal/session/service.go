// Package session hands every browser an anonymous, expiring token that
// selects its workspace.
package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultTTL = 12 * time.Hour

	CookieName     = "ocrdrop_session"
	CSRFCookieName = "ocrdrop_csrf"
	CSRFHeaderName = "X-CSRF-Token"
	// TokenHeaderName carries a freshly issued token back to API clients.
	TokenHeaderName = "X-Session-Token"
)

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpired      = errors.New("session expired")
)

// Service issues, validates, and expires session tokens.
type Service struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewService constructs a session service with the supplied lifetime.
func NewService(db *sql.DB, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{db: db, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// Issue mints and registers a new token.
func (s *Service) Issue(ctx context.Context) (string, error) {
	now := s.now()
	var lastErr error
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO sessions (token, created_at, last_seen_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, now, now, now.Add(s.ttl),
		)
		if err == nil {
			return token, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("issue session: %w", lastErr)
}

// Validate checks the token and slides its expiry forward.
func (s *Service) Validate(ctx context.Context, token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM sessions WHERE token = ?`, token,
	).Scan(&expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidToken
		}
		return fmt.Errorf("lookup session: %w", err)
	}
	now := s.now()
	if !now.Before(expires) {
		return ErrExpired
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_seen_at = ?, expires_at = ? WHERE token = ?`,
		now, now.Add(s.ttl), token,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Revoke deletes a single token.
func (s *Service) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// PurgeExpired removes every expired token and returns them.
func (s *Service) PurgeExpired(ctx context.Context) ([]string, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired session: %w", err)
		}
		tokens = append(tokens, token)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}

	purged := tokens[:0]
	for _, token := range tokens {
		if err := s.Revoke(ctx, token); err != nil {
			return purged, err
		}
		purged = append(purged, token)
	}
	return purged, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
