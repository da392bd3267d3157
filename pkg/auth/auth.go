// Package auth implements the email allowlist + one-time-code login flow and
// the cookie sessions it issues. The allowlist check lives here and nowhere
// else; every caller goes through the same capability.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mcclellann/loantrack/pkg/mailer"
	"github.com/mcclellann/loantrack/pkg/metrics"
	"github.com/mcclellann/loantrack/pkg/models"
	"go.uber.org/zap"
)

const (
	// SessionDuration is how long an issued session stays valid.
	SessionDuration = 24 * time.Hour
	// codeTTL is how long a one-time code can be redeemed.
	codeTTL = 10 * time.Minute
	// issueCooldown limits how often a code can be requested per email.
	issueCooldown = time.Minute
)

var (
	// ErrNotAuthorized means the email is not on the allowlist.
	ErrNotAuthorized = errors.New("email not authorized")
	// ErrRateLimited means a code was requested again too soon.
	ErrRateLimited = errors.New("code requested too recently")
	// ErrInvalidCode means the code is wrong, expired, or already used.
	ErrInvalidCode = errors.New("invalid or expired code")
)

// Allowlist is a fixed set of authorized emails, matched case-insensitively
// after trimming whitespace.
type Allowlist struct {
	emails map[string]struct{}
}

// NewAllowlist builds an Allowlist from the configured addresses.
func NewAllowlist(emails []string) *Allowlist {
	set := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		set[normalize(e)] = struct{}{}
	}
	return &Allowlist{emails: set}
}

// Allowed reports whether the candidate email is authorized.
func (a *Allowlist) Allowed(email string) bool {
	_, ok := a.emails[normalize(email)]
	return ok
}

// Emails returns the normalized allowlist, sorted for stable iteration.
func (a *Allowlist) Emails() []string {
	out := make([]string, 0, len(a.emails))
	for e := range a.emails {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type codeEntry struct {
	code      string
	issuedAt  time.Time
	expiresAt time.Time
}

// CodeIssuer generates and verifies 6-digit one-time codes, held in a
// mutex-guarded TTL map. A code is consumed exactly once: deleted on
// successful verification or on expiry.
type CodeIssuer struct {
	mu    sync.Mutex
	codes map[string]codeEntry
	now   func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewCodeIssuer creates a CodeIssuer and starts its cleanup goroutine.
// Close stops the goroutine on shutdown.
func NewCodeIssuer() *CodeIssuer {
	c := &CodeIssuer{
		codes: make(map[string]codeEntry),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *CodeIssuer) Close() {
	c.closeOnce.Do(func() {
		if c.done != nil {
			close(c.done)
		}
	})
}

// Issue generates a fresh code for the email, replacing any outstanding one.
// Returns ErrRateLimited when called again within the cooldown window.
func (c *CodeIssuer) Issue(email string) (string, error) {
	key := normalize(email)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.codes[key]; ok && now.Sub(prev.issuedAt) < issueCooldown {
		return "", ErrRateLimited
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	c.codes[key] = codeEntry{code: code, issuedAt: now, expiresAt: now.Add(codeTTL)}
	return code, nil
}

// Verify consumes the outstanding code for the email. The code is deleted
// whether it matched or expired; a second attempt always fails.
func (c *CodeIssuer) Verify(email, code string) error {
	key := normalize(email)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.codes[key]
	if !ok {
		return ErrInvalidCode
	}
	delete(c.codes, key)
	if now.After(entry.expiresAt) || entry.code != code {
		return ErrInvalidCode
	}
	return nil
}

// cleanup periodically removes expired codes until Close is called.
func (c *CodeIssuer) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for key, entry := range c.codes {
				if now.After(entry.expiresAt) {
					delete(c.codes, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// generateCode returns a 6-digit numeric string with leading zeros kept.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// GenerateSessionToken returns a cryptographically random opaque token.
func GenerateSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SessionStore is the slice of persistence the login flow needs.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, token string) (*models.Session, error)
	DeleteSession(ctx context.Context, token string) error
}

// Authenticator ties the allowlist, code issuance, email delivery and
// session storage into the login flow.
type Authenticator struct {
	allowlist *Allowlist
	issuer    *CodeIssuer
	storage   SessionStore
	sender    mailer.Sender
	logger    *zap.Logger
}

// NewAuthenticator wires up the login flow dependencies.
func NewAuthenticator(allowlist *Allowlist, issuer *CodeIssuer, storage SessionStore, sender mailer.Sender, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		allowlist: allowlist,
		issuer:    issuer,
		storage:   storage,
		sender:    sender,
		logger:    logger,
	}
}

// Allowlist exposes the shared allowlist capability.
func (a *Authenticator) Allowlist() *Allowlist {
	return a.allowlist
}

// RequestCode checks the allowlist, issues a one-time code and emails it.
func (a *Authenticator) RequestCode(ctx context.Context, email string) error {
	if !a.allowlist.Allowed(email) {
		return ErrNotAuthorized
	}

	code, err := a.issuer.Issue(email)
	if err != nil {
		return err
	}

	subject, body, err := mailer.RenderLoginCode(code, codeTTL)
	if err != nil {
		return fmt.Errorf("failed to render login mail: %w", err)
	}
	if err := a.sender.Send(normalize(email), subject, body); err != nil {
		return fmt.Errorf("failed to send login mail: %w", err)
	}

	metrics.CodesIssued.Inc()
	a.logger.Info("login code issued", zap.String("email", normalize(email)))
	return nil
}

// VerifyCode consumes the code and, when the email is still authorized,
// issues a session.
func (a *Authenticator) VerifyCode(ctx context.Context, email, code string) (*models.Session, error) {
	if !a.allowlist.Allowed(email) {
		return nil, ErrNotAuthorized
	}
	if err := a.issuer.Verify(email, code); err != nil {
		return nil, err
	}

	token, err := GenerateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	now := time.Now()
	session := &models.Session{
		Token:     token,
		Email:     normalize(email),
		ExpiresAt: now.Add(SessionDuration),
		CreatedAt: now,
	}
	if err := a.storage.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	a.logger.Info("session issued", zap.String("email", session.Email))
	return session, nil
}

// ValidateSession resolves a token to its session, if unexpired.
func (a *Authenticator) ValidateSession(ctx context.Context, token string) (*models.Session, error) {
	return a.storage.GetSession(ctx, token)
}

// RevokeSession deletes a session on logout.
func (a *Authenticator) RevokeSession(ctx context.Context, token string) error {
	return a.storage.DeleteSession(ctx, token)
}
