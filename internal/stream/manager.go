package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/audio"
	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/metrics"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultCheckInterval = 5 * time.Second
	DefaultMaxGap        = 8
)

// Session is the reorder state for one remote sender
type Session struct {
	SenderID     uint32
	RemoteAddr   string
	StartTime    time.Time
	LastActivity time.Time

	Buffer *audio.Buffer

	framesAdded     uint64
	framesDelivered uint64

	mu sync.RWMutex
}

// Manager tracks one Session per sender and drops senders that go quiet
type Manager struct {
	sessions map[uint32]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	mx       *metrics.Metrics

	timeout       time.Duration
	checkInterval time.Duration
	maxGap        uint32

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// ManagerConfig contains configuration for the stream manager
type ManagerConfig struct {
	Timeout       time.Duration
	CheckInterval time.Duration
	MaxGap        uint32
}

// NewManager creates a stream manager and starts its cleanup routine
func NewManager(logger *slog.Logger, cfg ManagerConfig, mx *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.MaxGap == 0 {
		cfg.MaxGap = DefaultMaxGap
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions:      make(map[uint32]*Session),
		logger:        logger,
		mx:            mx,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		maxGap:        cfg.MaxGap,
		ctx:           ctx,
		cancel:        cancel,
		cleanup:       make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// GetOrCreate returns the session for sender, creating it on first contact
func (m *Manager) GetOrCreate(senderID uint32, remoteAddr string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[senderID]; ok {
		existing.mu.Lock()
		if existing.RemoteAddr != remoteAddr && remoteAddr != "" {
			m.logger.Info("Sender address changed",
				slog.Uint64("sender_id", uint64(senderID)),
				slog.String("old_addr", existing.RemoteAddr),
				slog.String("new_addr", remoteAddr),
			)
			existing.RemoteAddr = remoteAddr
		}
		existing.mu.Unlock()
		return existing, false
	}

	now := time.Now()
	session := &Session{
		SenderID:     senderID,
		RemoteAddr:   remoteAddr,
		StartTime:    now,
		LastActivity: now,
		Buffer:       audio.NewBuffer(senderID, m.maxGap),
	}
	m.sessions[senderID] = session

	m.mx.RecordStreamCreated()
	m.mx.SetActiveStreams(len(m.sessions))
	m.logger.Info("Created sender stream",
		slog.Uint64("sender_id", uint64(senderID)),
		slog.String("remote_addr", remoteAddr),
	)

	return session, true
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(senderID uint32) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[senderID]
	return session, exists
}

// UpdateActivity marks a sender as alive without adding audio (heartbeats)
func (m *Manager) UpdateActivity(senderID uint32) {
	m.mu.RLock()
	session, exists := m.sessions[senderID]
	m.mu.RUnlock()

	if !exists {
		m.logger.Debug("Activity for unknown sender",
			slog.Uint64("sender_id", uint64(senderID)),
		)
		return
	}

	session.mu.Lock()
	session.LastActivity = time.Now()
	session.mu.Unlock()
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// RemoveSession drops a sender. Frames still held for reordering are
// released and returned so the caller can deliver them.
func (m *Manager) RemoveSession(senderID uint32) ([][]int16, bool) {
	m.mu.Lock()
	session, exists := m.sessions[senderID]
	if !exists {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.sessions, senderID)
	active := len(m.sessions)
	m.mu.Unlock()

	session.Buffer.Flush()
	rest := session.Drain()

	info := session.GetSessionInfo()
	m.mx.RecordStreamDestroyed(info.Duration.Seconds())
	m.mx.SetActiveStreams(active)
	m.logger.Info("Sender stream removed",
		slog.Uint64("sender_id", uint64(senderID)),
		slog.Duration("duration", info.Duration),
		slog.Uint64("frames", info.FramesAdded),
		slog.Uint64("lost", info.Buffer.LostPackets),
	)

	return rest, true
}

// Stop ends the cleanup routine and forgets every session
func (m *Manager) Stop() {
	m.cancel()
	<-m.cleanup

	m.mu.Lock()
	remaining := len(m.sessions)
	m.sessions = make(map[uint32]*Session)
	m.mu.Unlock()
	m.mx.SetActiveStreams(0)

	m.logger.Info("Stream manager stopped", slog.Int("dropped_sessions", remaining))
}

func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() []uint32 {
	now := time.Now()
	var expired []uint32

	m.mu.RLock()
	for senderID, session := range m.sessions {
		session.mu.RLock()
		lastActivity := session.LastActivity
		session.mu.RUnlock()

		if now.Sub(lastActivity) > m.timeout {
			expired = append(expired, senderID)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sender streams", slog.Int("expired_count", len(expired)))
		for _, senderID := range expired {
			m.RemoveSession(senderID)
		}
	}
	return expired
}

// AddFrame inserts a frame by sequence number and marks the sender active
func (s *Session) AddFrame(sequence uint32, samples []int16) error {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.framesAdded++
	s.mu.Unlock()

	return s.Buffer.Add(sequence, samples)
}

// Drain returns frames now in sender order
func (s *Session) Drain() [][]int16 {
	frames := s.Buffer.Drain()
	if len(frames) > 0 {
		s.mu.Lock()
		s.framesDelivered += uint64(len(frames))
		s.mu.Unlock()
	}
	return frames
}

// SessionInfo is a session snapshot for monitoring
type SessionInfo struct {
	SenderID        uint32            `json:"sender_id"`
	RemoteAddr      string            `json:"remote_addr"`
	StartTime       time.Time         `json:"start_time"`
	LastActivity    time.Time         `json:"last_activity"`
	Duration        time.Duration     `json:"duration"`
	FramesAdded     uint64            `json:"frames_added"`
	FramesDelivered uint64            `json:"frames_delivered"`
	Buffer          audio.BufferStats `json:"buffer"`
}

// GetSessionInfo returns session information including buffer stats
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		SenderID:        s.SenderID,
		RemoteAddr:      s.RemoteAddr,
		StartTime:       s.StartTime,
		LastActivity:    s.LastActivity,
		Duration:        time.Since(s.StartTime),
		FramesAdded:     s.framesAdded,
		FramesDelivered: s.framesDelivered,
		Buffer:          s.Buffer.GetStats(),
	}
}
