// Package treasury guards platform wallet operations behind m-of-n
// operator approval.
//
// Each operator holds an independent secret. A credential is an HMAC
// of the exact operation parameters under that secret, so a credential
// for one withdrawal cannot authorize another. Authorize verifies the
// required number of distinct operators and mints a short-lived,
// single-use authorization token bound to those same parameters.
package treasury

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesarail/pesarail/internal/idgen"
)

var (
	ErrInsufficientSignatures = errors.New("treasury: not enough valid credentials")
	ErrUnknownOperator        = errors.New("treasury: unknown operator")
	ErrBadCredential          = errors.New("treasury: credential verification failed")
	ErrTokenInvalid           = errors.New("treasury: authorization token invalid or expired")
	ErrTokenMismatch          = errors.New("treasury: authorization does not cover this operation")
	ErrUnknownAction          = errors.New("treasury: unknown action")
)

// Action is a guarded wallet operation.
type Action string

const (
	ActionWithdraw    Action = "withdraw"
	ActionTransfer    Action = "transfer"
	ActionViewBalance Action = "view_balance"
)

// requiredSigners is the per-action m in m-of-n. Moving money takes two
// operators; looking at a balance takes one.
var requiredSigners = map[Action]int{
	ActionWithdraw:    2,
	ActionTransfer:    2,
	ActionViewBalance: 1,
}

// TokenTTL is how long an authorization stays redeemable.
const TokenTTL = 5 * time.Minute

// Credential is one operator's approval of an operation.
type Credential struct {
	OperatorID string
	Signature  string // hex HMAC-SHA256 over the operation payload
}

// ParseCredential splits the wire form "operatorID:hexSignature".
func ParseCredential(s string) (Credential, error) {
	id, sig, ok := strings.Cut(s, ":")
	if !ok || id == "" || sig == "" {
		return Credential{}, fmt.Errorf("%w: want operatorId:signature", ErrBadCredential)
	}
	return Credential{OperatorID: id, Signature: sig}, nil
}

// Operation is the exact set of parameters a credential signs.
type Operation struct {
	Action      Action
	Chain       string
	Token       string
	Amount      decimal.Decimal
	Destination string
}

// payload is the canonical signing string. Any parameter change
// invalidates every credential.
func (op Operation) payload() string {
	return strings.Join([]string{
		string(op.Action), op.Chain, strings.ToUpper(op.Token),
		op.Amount.String(), strings.ToLower(op.Destination),
	}, "|")
}

// Sign computes the credential signature an operator's tooling would
// produce for op. Exported for operator CLIs and tests.
func Sign(secret string, op Operation) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(op.payload()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authorization is a minted, single-use approval.
type Authorization struct {
	Token     string
	Operation Operation
	Signers   []string
	ExpiresAt time.Time
}

// Guard verifies operator credentials and tracks live authorizations.
type Guard struct {
	secrets map[string]string // operatorID -> secret
	ttl     time.Duration
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*Authorization
}

// Option configures the guard.
type Option func(*Guard)

// WithTokenTTL overrides the authorization lifetime.
func WithTokenTTL(d time.Duration) Option {
	return func(g *Guard) { g.ttl = d }
}

// withClock overrides time for tests.
func withClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a guard over the given operator secrets.
func NewGuard(secrets map[string]string, opts ...Option) *Guard {
	g := &Guard{
		secrets: secrets,
		ttl:     TokenTTL,
		now:     time.Now,
		active:  make(map[string]*Authorization),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Operators returns how many operator secrets are configured.
func (g *Guard) Operators() int { return len(g.secrets) }

// Authorize verifies the credentials against op and mints a single-use
// token. Verification is synchronous and has no side effects on
// failure. The same operator presented twice counts once.
func (g *Guard) Authorize(op Operation, creds []Credential) (*Authorization, error) {
	required, ok := requiredSigners[op.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, op.Action)
	}

	seen := make(map[string]bool, len(creds))
	payload := op.payload()
	for _, cred := range creds {
		if seen[cred.OperatorID] {
			// The same operator presented twice still counts once.
			continue
		}
		secret, ok := g.secrets[cred.OperatorID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, cred.OperatorID)
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(payload))
		want := hex.EncodeToString(mac.Sum(nil))
		if subtle.ConstantTimeCompare([]byte(want), []byte(cred.Signature)) != 1 {
			return nil, fmt.Errorf("%w: operator %s", ErrBadCredential, cred.OperatorID)
		}
		seen[cred.OperatorID] = true
	}

	if len(seen) < required {
		return nil, fmt.Errorf("%w: have %d, need %d for %s",
			ErrInsufficientSignatures, len(seen), required, op.Action)
	}

	signers := make([]string, 0, len(seen))
	for id := range seen {
		signers = append(signers, id)
	}
	auth := &Authorization{
		Token:     idgen.WithPrefix("auth_"),
		Operation: op,
		Signers:   signers,
		ExpiresAt: g.now().Add(g.ttl),
	}

	g.mu.Lock()
	g.active[auth.Token] = auth
	g.mu.Unlock()
	return auth, nil
}

// Consume redeems a token for exactly the operation it was minted for.
// A token works once; expiry, reuse and parameter drift all fail.
func (g *Guard) Consume(token string, op Operation) (*Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	auth, ok := g.active[token]
	if !ok {
		return nil, ErrTokenInvalid
	}
	if g.now().After(auth.ExpiresAt) {
		delete(g.active, token)
		return nil, ErrTokenInvalid
	}
	if auth.Operation.payload() != op.payload() {
		return nil, ErrTokenMismatch
	}
	delete(g.active, token)
	return auth, nil
}
