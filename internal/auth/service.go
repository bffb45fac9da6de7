package auth

import (
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxFailedLogins = 5
	lockoutDuration = 15 * time.Minute
)

// Config holds the operator credentials and token settings.
type Config struct {
	Enabled              bool
	JWTSecret            string
	AccessTokenDuration  time.Duration
	OperatorUsername     string
	OperatorPasswordHash string
	StrategyToken        string
}

// Service authenticates the operator and the strategy feed.
type Service struct {
	config     Config
	jwtManager *JWTManager
	logger     zerolog.Logger
	now        func() time.Time

	mu          sync.Mutex
	failures    int
	lockedUntil time.Time
}

// NewService creates a new auth service
func NewService(config Config, logger zerolog.Logger) *Service {
	return &Service{
		config:     config,
		jwtManager: NewJWTManager(config.JWTSecret, config.AccessTokenDuration),
		logger:     logger.With().Str("component", "auth").Logger(),
		now:        time.Now,
	}
}

// Enabled reports whether requests must be authenticated.
func (s *Service) Enabled() bool {
	return s.config.Enabled
}

// GetJWTManager returns the JWT manager
func (s *Service) GetJWTManager() *JWTManager {
	return s.jwtManager
}

// Login checks the operator credentials and issues an access token. Repeated
// failures lock login out for a while.
func (s *Service) Login(req LoginRequest) (*TokenResponse, error) {
	if s.config.OperatorUsername == "" || s.config.OperatorPasswordHash == "" {
		return nil, ErrNotConfigured
	}

	s.mu.Lock()
	if s.now().Before(s.lockedUntil) {
		s.mu.Unlock()
		return nil, ErrRateLimited
	}
	s.mu.Unlock()

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.config.OperatorUsername)) == 1
	passOK := VerifyPassword(req.Password, s.config.OperatorPasswordHash)
	if !userOK || !passOK {
		s.recordFailure(req.Username)
		return nil, ErrInvalidCredentials
	}

	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()

	token, err := s.jwtManager.GenerateAccessToken(Claims{Subject: s.config.OperatorUsername, Role: RoleOperator})
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	s.logger.Info().Str("operator", s.config.OperatorUsername).Msg("Operator logged in")
	return token, nil
}

func (s *Service) recordFailure(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.failures >= maxFailedLogins {
		s.lockedUntil = s.now().Add(lockoutDuration)
		s.failures = 0
		s.logger.Warn().Str("username", username).Time("locked_until", s.lockedUntil).Msg("Operator login locked out")
		return
	}
	s.logger.Warn().Str("username", username).Int("failures", s.failures).Msg("Failed operator login")
}

// VerifyStrategyToken reports whether token is the configured strategy token.
func (s *Service) VerifyStrategyToken(token string) bool {
	if s.config.StrategyToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.config.StrategyToken)) == 1
}
