package stratum

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
)

func TestAlternateIdentity(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"COIN.address", "COIN:address"},
		{"COIN:address", "COIN.address"},
		{"COIN.address.rig1", "COIN:address.rig1"},
		{"COIN:address.rig1", "COIN.address.rig1"},
		{"address", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := AlternateIdentity(tt.in); got != tt.want {
			t.Errorf("AlternateIdentity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// scriptedPool answers requests written through it from a fixed script,
// resolving them on the correlator the way the client's reader would.
type scriptedPool struct {
	t          *testing.T
	correlator *Correlator
	answer     func(msg *Message) (any, *Error)

	mu   sync.Mutex
	seen []*Message
}

func (p *scriptedPool) Send(_ context.Context, msg *Message) error {
	p.mu.Lock()
	p.seen = append(p.seen, msg)
	p.mu.Unlock()

	if msg.ID == nil {
		return nil
	}
	result, rpcErr := p.answer(msg)
	go p.correlator.Resolve(msg.ID.(uint64), result, rpcErr)
	return nil
}

func (p *scriptedPool) methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.seen {
		out = append(out, m.Method)
	}
	return out
}

func runHandshake(t *testing.T, cfg SessionConfig, answer func(*Message) (any, *Error)) (*Session, *scriptedPool, []ConnState, error) {
	t.Helper()
	c := NewCorrelator(time.Second, log.NewNop())
	pool := &scriptedPool{t: t, correlator: c, answer: answer}
	s := NewSession(cfg, log.NewNop())

	var states []ConnState
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Handshake(ctx, c, pool, func(st ConnState) { states = append(states, st) })
	return s, pool, states, err
}

func TestSession_Handshake(t *testing.T) {
	s, pool, states, err := runHandshake(t,
		SessionConfig{UserAgent: "test/1", Identity: "COIN.address", SuggestDifficulty: 512},
		func(msg *Message) (any, *Error) {
			switch msg.Method {
			case MethodSubscribe:
				return []any{"sub1", "ab01", float64(4)}, nil
			case MethodAuthorize:
				return true, nil
			}
			return nil, &Error{Code: ErrorMethodNotFound}
		})
	if err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}

	got := pool.methods()
	want := []string{MethodSuggestDifficulty, MethodSubscribe, MethodAuthorize}
	if len(got) != len(want) {
		t.Fatalf("methods = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("methods[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if pw := pool.seen[2].Params[1]; pw != "x" {
		t.Errorf("default password = %v, want x", pw)
	}

	if !s.IsSubscribed() || !s.IsAuthorized() {
		t.Error("session should be subscribed and authorized")
	}
	if s.Identity() != "COIN.address" {
		t.Errorf("Identity() = %s", s.Identity())
	}
	if p := s.Params(); p.SubscriptionID != "sub1" || p.ExtraNonce1 != "ab01" || p.ExtraNonce2Size != 4 {
		t.Errorf("Params() = %+v", p)
	}
	if len(states) != 2 || states[0] != StateSubscribed || states[1] != StateAuthorized {
		t.Errorf("states = %v", states)
	}
}

func TestSession_AuthorizeAlternate(t *testing.T) {
	tests := []struct {
		name    string
		refuse  func(identity string) (any, *Error)
		retry   bool
		want    string
		wantErr error
	}{
		{
			name: "false then alternate",
			refuse: func(identity string) (any, *Error) {
				return identity == "COIN:address", nil
			},
			retry: true,
			want:  "COIN:address",
		},
		{
			name: "error then alternate",
			refuse: func(identity string) (any, *Error) {
				if identity == "COIN.address" {
					return nil, &Error{Code: ErrorUnauthorized, Message: "Unauthorized worker"}
				}
				return true, nil
			},
			retry: true,
			want:  "COIN:address",
		},
		{
			name:    "both refused",
			refuse:  func(string) (any, *Error) { return false, nil },
			retry:   true,
			wantErr: ErrUnauthorized,
		},
		{
			name:    "retry disabled",
			refuse:  func(identity string) (any, *Error) { return identity == "COIN:address", nil },
			wantErr: ErrUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _, err := runHandshake(t,
				SessionConfig{Identity: "COIN.address", RetryAlternate: tt.retry},
				func(msg *Message) (any, *Error) {
					if msg.Method == MethodSubscribe {
						return []any{"sub1", "ab01", float64(4)}, nil
					}
					return tt.refuse(msg.Params[0].(string))
				})

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Handshake() error = %v, want %v", err, tt.wantErr)
				}
				if s.IsAuthorized() {
					t.Error("session should not be authorized")
				}
				return
			}
			if err != nil {
				t.Fatalf("Handshake() error = %v", err)
			}
			if s.Identity() != tt.want {
				t.Errorf("Identity() = %s, want %s", s.Identity(), tt.want)
			}
		})
	}
}

func TestSession_SubscribeFailures(t *testing.T) {
	tests := []struct {
		name     string
		result   any
		rpcErr   *Error
		wantType errors.ErrorType
	}{
		{"refused", nil, &Error{Code: ErrorOther, Message: "busy"}, errors.ErrorTypeHandshake},
		{"wrong shape", map[string]any{"a": 1}, nil, errors.ErrorTypeProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, pool, _, err := runHandshake(t, SessionConfig{Identity: "COIN.address"},
				func(*Message) (any, *Error) { return tt.result, tt.rpcErr })
			if !errors.IsType(err, tt.wantType) {
				t.Errorf("Handshake() error = %v, want type %s", err, tt.wantType)
			}
			if s.IsSubscribed() {
				t.Error("session should not be subscribed")
			}
			if m := pool.methods(); len(m) != 1 {
				t.Errorf("authorize must not be sent after a failed subscribe, sent %v", m)
			}
		})
	}
}

func TestSession_SetParamsKeepsSubscriptionID(t *testing.T) {
	s, _, _, err := runHandshake(t, SessionConfig{Identity: "COIN.address"},
		func(msg *Message) (any, *Error) {
			if msg.Method == MethodSubscribe {
				return []any{"sub1", "ab01", float64(4)}, nil
			}
			return true, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	s.SetParams(&SessionParams{ExtraNonce1: "cafe", ExtraNonce2Size: 8})
	p := s.Params()
	if p.SubscriptionID != "sub1" || p.ExtraNonce1 != "cafe" || p.ExtraNonce2Size != 8 {
		t.Errorf("Params() = %+v", p)
	}
}
