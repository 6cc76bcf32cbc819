// Copyright 2025 Joseph Cumines

// Package confirm issues and redeems one-time confirmation tokens.
//
// A token binds a single side-effecting call to one peer, one method, and
// one exact parameter set (see ParamsDigest). Tokens live only in process
// memory; a restarted host cannot vouch for intent expressed before the
// restart.
package confirm

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	// DefaultTTL is the token lifetime when the issuer does not set one.
	DefaultTTL = 60 * time.Second
	// MaxTTL is the longest lifetime a token can be issued with.
	MaxTTL = 10 * time.Minute

	tokenBytes = 32
)

// Result is the outcome of validating a token.
type Result string

const (
	ResultOK       Result = "ok"
	ResultInvalid  Result = "invalid"
	ResultUsed     Result = "used"
	ResultExpired  Result = "expired"
	ResultMismatch Result = "mismatch"
)

// Peer identifies the caller a token is bound to.
type Peer struct {
	IdentityDigest string `json:"identityDigest"`
	PID            int    `json:"pid"`
}

// Intent is the action a token is requested for.
type Intent struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Scope is the action a token authorizes.
type Scope struct {
	Method       string `json:"method"`
	ParamsDigest string `json:"paramsDigest"`
}

// Token is an issued confirmation token.
type Token struct {
	ExpiresAt time.Time `json:"expiresAt"`
	Token     string    `json:"token"`
	Scope     Scope     `json:"scope"`
	Peer      Peer      `json:"peer"`
}

type record struct {
	Token
	used bool
}

// Store holds issued tokens. It is safe for concurrent use; every
// check-and-mutate happens inside one critical section.
type Store struct {
	clock   func() time.Time
	random  io.Reader
	records map[string]*record
	mu      sync.Mutex
}

// NewStore returns an empty store using the wall clock.
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock returns an empty store using the given clock.
func NewStoreWithClock(clock func() time.Time) *Store {
	return &Store{
		clock:   clock,
		random:  rand.Reader,
		records: make(map[string]*record),
	}
}

// Issue mints a token for intent, bound to peer. A ttl <= 0 selects
// DefaultTTL; longer than MaxTTL is clamped. Expired records are pruned as
// a side effect.
func (s *Store) Issue(intent Intent, ttl time.Duration, peer Peer) (Token, error) {
	if intent.Method == "" {
		return Token{}, fmt.Errorf("intent method is required")
	}
	digest, err := ParamsDigest(intent.Params)
	if err != nil {
		return Token{}, err
	}
	switch {
	case ttl <= 0:
		ttl = DefaultTTL
	case ttl > MaxTTL:
		ttl = MaxTTL
	}

	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return Token{}, fmt.Errorf("failed to generate token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.cleanupLocked(now)

	tok := Token{
		Token:     hex.EncodeToString(buf),
		ExpiresAt: now.Add(ttl),
		Scope:     Scope{Method: intent.Method, ParamsDigest: digest},
		Peer:      peer,
	}
	s.records[tok.Token] = &record{Token: tok}
	return tok, nil
}

// Validate checks token against the call about to be made. It does not
// mutate the store. Results take precedence in the order invalid, expired,
// used, mismatch.
func (s *Store) Validate(token, method string, params json.RawMessage, peer Peer) Result {
	s.mu.Lock()
	rec, ok := s.records[token]
	var snapshot record
	if ok {
		snapshot = *rec
	}
	now := s.clock()
	s.mu.Unlock()

	switch {
	case !ok:
		return ResultInvalid
	case !now.Before(snapshot.ExpiresAt):
		return ResultExpired
	case snapshot.used:
		return ResultUsed
	case snapshot.Peer != peer, snapshot.Scope.Method != method:
		return ResultMismatch
	}

	digest, err := ParamsDigest(params)
	if err != nil || digest != snapshot.Scope.ParamsDigest {
		return ResultMismatch
	}
	return ResultOK
}

// Consume marks token used. It returns false if the token is absent,
// expired, or already used, so at most one caller ever wins. The record is
// kept until it expires so that reuse reports ResultUsed rather than
// ResultInvalid.
func (s *Store) Consume(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok || rec.used || !s.clock().Before(rec.ExpiresAt) {
		return false
	}
	rec.used = true
	return true
}

// Cleanup removes every record that has expired at now and returns how
// many were removed.
func (s *Store) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked(now)
}

func (s *Store) cleanupLocked(now time.Time) int {
	removed := 0
	for k, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live records, including used tombstones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
