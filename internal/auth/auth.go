package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"camrelay/pkg/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenUsed    = errors.New("token expired or already used")
	ErrWrongStream  = errors.New("token not valid for this publishing name")
)

// Manager issues and checks single-use RTMP publish tokens
type Manager struct {
	tokens map[string]*models.PublishToken // token -> PublishToken
	mu     sync.RWMutex

	// Config
	defaultExpiration time.Duration
	maxExpiration     time.Duration

	log *slog.Logger
	now func() time.Time
}

// New creates a new auth manager
func New(defaultExpiration, maxExpiration time.Duration, log *slog.Logger) *Manager {
	if defaultExpiration <= 0 {
		defaultExpiration = time.Hour
	}
	if maxExpiration < defaultExpiration {
		maxExpiration = defaultExpiration
	}
	return &Manager{
		tokens:            make(map[string]*models.PublishToken),
		defaultExpiration: defaultExpiration,
		maxExpiration:     maxExpiration,
		log:               log.With("component", "auth"),
		now:               time.Now,
	}
}

// GeneratePublishToken creates a new publish token for a publishing name
func (m *Manager) GeneratePublishToken(streamKey string, expiresIn int, publisherIP string) (*models.PublishToken, error) {
	// Generate secure random token
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	tokenString := hex.EncodeToString(tokenBytes)

	expiration := m.defaultExpiration
	if expiresIn > 0 {
		expiration = time.Duration(expiresIn) * time.Second
	}
	if expiration > m.maxExpiration {
		expiration = m.maxExpiration
	}

	now := m.now()
	token := &models.PublishToken{
		Token:       tokenString,
		StreamKey:   streamKey,
		CreatedAt:   now,
		ExpiresAt:   now.Add(expiration),
		PublisherIP: publisherIP,
	}

	m.mu.Lock()
	m.tokens[tokenString] = token
	m.mu.Unlock()

	m.log.Info("publish token issued", "stream_key", streamKey, "expires_at", token.ExpiresAt, "requester", publisherIP)
	return token, nil
}

// Consume validates a token for streamKey and marks it used in one step
func (m *Manager) Consume(tokenString, streamKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, exists := m.tokens[tokenString]
	if !exists {
		return ErrInvalidToken
	}
	if !token.IsValidAt(m.now()) {
		return ErrTokenUsed
	}
	if token.StreamKey != streamKey {
		return ErrWrongStream
	}

	token.IsUsed = true
	return nil
}

// RevokeToken revokes a token
func (m *Manager) RevokeToken(tokenString string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, tokenString)
}

// CleanupExpiredTokens removes expired and used tokens, returning how many
// were removed
func (m *Manager) CleanupExpiredTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for tokenString, token := range m.tokens {
		if !token.IsValidAt(now) {
			delete(m.tokens, tokenString)
			removed++
		}
	}
	return removed
}

// Run sweeps expired tokens every interval until ctx is done
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.CleanupExpiredTokens(); n > 0 {
				m.log.Debug("expired tokens removed", "count", n)
			}
		}
	}
}

// GetTokenCount returns the number of tracked tokens
func (m *Manager) GetTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
