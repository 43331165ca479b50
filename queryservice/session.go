// Package queryservice serves wallet transaction queries over attested
// channels: filter delivery, membership checks and, after an ownership
// proof, release of the decrypted outputs belonging to that view key.
package queryservice

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jimmyyip-crypto/chain/shared"
)

// Session is the per-channel query state. A pending challenge exists only
// between a positive filter test and the matching ownership proof.
type Session struct {
	ID           string
	ChannelID    string
	CreatedAt    time.Time
	LastActiveAt time.Time

	challenge   []byte
	tag         []byte
	challengeAt time.Time
}

// SessionManager tracks one session per channel and expires idle ones.
type SessionManager struct {
	sessions      map[string]*Session // keyed by channel id
	mutex         sync.Mutex
	cleanupTicker *time.Ticker
	cleanupDone   chan bool
	timeout       time.Duration
	logger        *shared.Logger
}

// NewSessionManager creates a session manager with the given idle timeout.
func NewSessionManager(timeout time.Duration, logger *shared.Logger) *SessionManager {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		cleanupDone: make(chan bool),
		timeout:     timeout,
		logger:      logger,
	}
}

// CreateSession registers a session for a channel.
func (sm *SessionManager) CreateSession(channelID string) (*Session, error) {
	sessionID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	session := &Session{
		ID:           sessionID.String(),
		ChannelID:    channelID,
		CreatedAt:    time.Now(),
		LastActiveAt: time.Now(),
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.sessions[channelID] = session
	return session, nil
}

// GetSession returns the session for a channel, refreshing its idle clock.
func (sm *SessionManager) GetSession(channelID string) (*Session, error) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	session, ok := sm.sessions[channelID]
	if !ok {
		return nil, fmt.Errorf("no session for channel %s", channelID)
	}
	session.LastActiveAt = time.Now()
	return session, nil
}

// CloseSession removes a channel's session.
func (sm *SessionManager) CloseSession(channelID string) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	delete(sm.sessions, channelID)
}

// StartCleanupRoutine starts the idle session sweeper.
func (sm *SessionManager) StartCleanupRoutine() {
	sm.cleanupTicker = time.NewTicker(sm.timeout / 2)
	go func() {
		for {
			select {
			case <-sm.cleanupTicker.C:
				sm.cleanupExpiredSessions()
			case <-sm.cleanupDone:
				return
			}
		}
	}()
}

// Stop stops the session manager.
func (sm *SessionManager) Stop() {
	if sm.cleanupTicker != nil {
		sm.cleanupTicker.Stop()
	}
	close(sm.cleanupDone)
}

func (sm *SessionManager) cleanupExpiredSessions() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	now := time.Now()
	for channelID, session := range sm.sessions {
		if now.Sub(session.LastActiveAt) > sm.timeout {
			delete(sm.sessions, channelID)
			sm.logger.DebugIf("expired idle query session",
				zap.String("session_id", session.ID))
		}
	}
}
