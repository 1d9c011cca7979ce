package stratum

import (
	"context"
	"strings"
	"sync"

	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
)

// SessionConfig holds the handshake settings
type SessionConfig struct {
	UserAgent         string
	Identity          string
	Password          string
	RetryAlternate    bool    // retry authorize once with the other COIN separator
	SuggestDifficulty float64 // sent before subscribe when positive
}

// Session is the subscribe/authorize state of one connection.
type Session struct {
	config SessionConfig
	logger *log.Logger

	mu         sync.RWMutex
	params     *SessionParams
	subscribed bool
	authorized bool
	identity   string
}

// NewSession creates the handshake state for a fresh connection.
func NewSession(config SessionConfig, logger *log.Logger) *Session {
	if config.Password == "" {
		config.Password = "x"
	}
	return &Session{
		config: config,
		logger: logger.WithComponent("session"),
	}
}

// AlternateIdentity swaps the first '.' or ':' in identity for the other one.
// It returns "" when identity has neither.
func AlternateIdentity(identity string) string {
	i := strings.IndexAny(identity, ".:")
	if i < 0 {
		return ""
	}
	sep := byte(':')
	if identity[i] == ':' {
		sep = '.'
	}
	return identity[:i] + string(sep) + identity[i+1:]
}

// Handshake runs suggest_difficulty (optional), subscribe and authorize over s.
// onState is told about Subscribed and Authorized as they are reached.
func (s *Session) Handshake(ctx context.Context, c *Correlator, sender Sender, onState func(ConnState)) error {
	if d := s.config.SuggestDifficulty; d > 0 {
		if err := sender.Send(ctx, NewNotification(MethodSuggestDifficulty, []any{d})); err != nil {
			return err
		}
	}

	if err := s.subscribe(ctx, c, sender); err != nil {
		return err
	}
	onState(StateSubscribed)

	if err := s.authorize(ctx, c, sender); err != nil {
		return err
	}
	onState(StateAuthorized)
	return nil
}

func (s *Session) subscribe(ctx context.Context, c *Correlator, sender Sender) error {
	resp, err := s.request(ctx, c, sender, MethodSubscribe, []any{s.config.UserAgent})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return errors.Wrap(resp.Error, errors.ErrorTypeHandshake, "subscribe", "pool refused subscription")
	}

	params, err := ParseSubscribeResult(resp.Result)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "subscribe", "malformed subscribe result")
	}

	s.mu.Lock()
	s.params = params
	s.subscribed = true
	s.mu.Unlock()

	s.logger.Info("subscribed",
		"subscription_id", params.SubscriptionID,
		"extranonce1", params.ExtraNonce1,
		"extranonce2_size", params.ExtraNonce2Size)
	return nil
}

// authorize tries the configured identity and, on an explicit refusal, the
// alternate separator form. Transport errors and timeouts end the attempt.
func (s *Session) authorize(ctx context.Context, c *Correlator, sender Sender) error {
	candidates := []string{s.config.Identity}
	if s.config.RetryAlternate {
		if alt := AlternateIdentity(s.config.Identity); alt != "" {
			candidates = append(candidates, alt)
		}
	}

	for _, identity := range candidates {
		resp, err := s.request(ctx, c, sender, MethodAuthorize, []any{identity, s.config.Password})
		if err != nil {
			return err
		}
		if resp.OK() {
			s.mu.Lock()
			s.identity = identity
			s.authorized = true
			s.mu.Unlock()

			s.logger.Info("authorized", "identity", identity)
			return nil
		}

		logger := s.logger.WithFields("identity", identity)
		if resp.Error != nil {
			logger = logger.WithError(resp.Error)
		}
		logger.Warn("authorization refused")
	}
	return ErrUnauthorized
}

func (s *Session) request(ctx context.Context, c *Correlator, sender Sender, method string, params []any) (*Response, error) {
	call, err := c.Send(ctx, sender, method, params)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Params returns the subscribe result, or nil before subscribe completed.
func (s *Session) Params() *SessionParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// SetParams replaces the session parameters after mining.set_extranonce.
func (s *Session) SetParams(params *SessionParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params != nil && params.SubscriptionID == "" {
		params.SubscriptionID = s.params.SubscriptionID
	}
	s.params = params
}

// IsSubscribed returns whether mining.subscribe succeeded.
func (s *Session) IsSubscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// IsAuthorized returns whether mining.authorize succeeded.
func (s *Session) IsAuthorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

// Identity returns the identity format the pool accepted.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}
