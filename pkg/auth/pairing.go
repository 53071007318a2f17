package auth

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/models"
)

// DefaultPairingTTL is how long a pairing code stays valid
const DefaultPairingTTL = 300 * time.Second

const pairingCodeDigits = 6

var (
	// ErrPairingNotFound is returned for unknown codes
	ErrPairingNotFound = errors.New(errors.ErrorTypeNotFound, "pairing code not found")
	// ErrPairingExpired is returned once a session's TTL has elapsed
	ErrPairingExpired = errors.New(errors.ErrorTypeAuthentication, "pairing code expired")
	// ErrPairingUsed is returned when a completed session is presented again
	ErrPairingUsed = errors.New(errors.ErrorTypeConflict, "pairing code already used")
)

// PairingStore holds pending device pairing sessions in memory, keyed by code.
// Sessions are single use and expire after the TTL measured on the injected clock.
type PairingStore struct {
	mu       sync.Mutex
	sessions map[string]*models.PairingSession
	tokens   *DeviceTokens
	ttl      time.Duration
	clock    clock.Clock
	logger   *zap.Logger
}

// NewPairingStore creates a pairing store issuing tokens with tokens
func NewPairingStore(tokens *DeviceTokens, ttl time.Duration, clk clock.Clock) *PairingStore {
	if ttl <= 0 {
		ttl = DefaultPairingTTL
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &PairingStore{
		sessions: make(map[string]*models.PairingSession),
		tokens:   tokens,
		ttl:      ttl,
		clock:    clk,
		logger:   logger.Get().With(zap.String("component", "pairing")),
	}
}

// Start opens a pending pairing session with a fresh 6-digit code
func (p *PairingStore) Start(deviceInfo map[string]string) (*models.PairingSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	p.pruneLocked(now)

	var code string
	for attempt := 0; ; attempt++ {
		c, err := generateCode(pairingCodeDigits)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to generate pairing code")
		}
		if _, taken := p.sessions[c]; !taken {
			code = c
			break
		}
		if attempt > 16 {
			return nil, errors.New(errors.ErrorTypeConflict, "pairing code space exhausted")
		}
	}

	info := make(map[string]string, len(deviceInfo))
	for k, v := range deviceInfo {
		info[k] = v
	}

	session := &models.PairingSession{
		ID:         uuid.NewString(),
		Code:       code,
		DeviceInfo: info,
		CreatedAt:  now,
		ExpiresAt:  now.Add(p.ttl),
		Status:     models.PairingPending,
	}
	p.sessions[code] = session

	p.logger.Info("pairing session started",
		zap.String("session_id", session.ID),
		zap.Time("expires_at", session.ExpiresAt))

	out := *session
	return &out, nil
}

// Complete consumes a pairing code on behalf of userID and issues the
// device's token pair. The device id is taken from the session's device info.
func (p *PairingStore) Complete(code, userID string) (*DeviceTokenPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	session, ok := p.sessions[code]
	if !ok {
		return nil, ErrPairingNotFound
	}

	switch session.Status {
	case models.PairingCompleted:
		return nil, ErrPairingUsed
	case models.PairingExpired:
		return nil, ErrPairingExpired
	}

	if p.clock.Now().After(session.ExpiresAt) {
		session.Status = models.PairingExpired
		return nil, ErrPairingExpired
	}

	deviceType := session.DeviceInfo["device_type"]
	if deviceType == "" {
		deviceType = "ios"
	}
	pair, err := p.tokens.Issue(session.DeviceInfo["device_id"], deviceType, userID)
	if err != nil {
		return nil, err
	}

	session.Status = models.PairingCompleted
	p.logger.Info("pairing session completed",
		zap.String("session_id", session.ID),
		zap.String("device_id", pair.DeviceID))

	return pair, nil
}

// Get returns a copy of the session for code
func (p *PairingStore) Get(code string) (*models.PairingSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[code]
	if !ok {
		return nil, false
	}
	out := *s
	if out.Status == models.PairingPending && p.clock.Now().After(out.ExpiresAt) {
		out.Status = models.PairingExpired
	}
	return &out, true
}

// Prune drops sessions that are past their TTL, returning how many were removed
func (p *PairingStore) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pruneLocked(p.clock.Now())
}

// pruneLocked keeps expired sessions for one extra TTL so a late attempt
// reports expired rather than not found.
func (p *PairingStore) pruneLocked(now time.Time) int {
	removed := 0
	for code, s := range p.sessions {
		if now.After(s.ExpiresAt.Add(p.ttl)) {
			delete(p.sessions, code)
			removed++
		}
	}
	return removed
}

func generateCode(digits int) (string, error) {
	buf := make([]byte, digits)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}
