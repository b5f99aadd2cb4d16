// Package credentials holds the signed-in user's access token and profile,
// and decodes the token claims the client relies on.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/multitask/messenger/internal/chat"
)

// ErrNotFound is returned by Store.Load when nothing has been saved.
var ErrNotFound = errors.New("credentials: not found")

// Credentials is the persisted sign-in state.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	User         chat.User
}

// Store persists credentials between runs.
type Store interface {
	Load(ctx context.Context) (Credentials, error)
	Save(ctx context.Context, c Credentials) error
	Clear(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// Token claims
// ---------------------------------------------------------------------------

// Claims are the access token fields used by the client.
type Claims struct {
	UserID    int64
	TokenType string
	ExpiresAt time.Time // zero when the token has no exp claim
}

// ExpiresWithin reports whether the token expires within d of now.
func (c Claims) ExpiresWithin(d time.Duration, now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !c.ExpiresAt.After(now.Add(d))
}

// ParseClaims decodes an access token without verifying its signature; the
// server verifies it on every request.
func ParseClaims(token string) (Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("credentials: parse token: %w", err)
	}

	var c Claims
	// JSON numbers decode as float64.
	switch v := mc["user_id"].(type) {
	case float64:
		c.UserID = int64(v)
	case string:
		if _, err := fmt.Sscan(v, &c.UserID); err != nil {
			return Claims{}, fmt.Errorf("credentials: bad user_id claim %q", v)
		}
	default:
		return Claims{}, errors.New("credentials: token has no user_id claim")
	}
	if tt, ok := mc["token_type"].(string); ok {
		c.TokenType = tt
	}
	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("credentials: bad exp claim: %w", err)
	}
	if exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// In-memory holder
// ---------------------------------------------------------------------------

// Holder is the in-process copy of the current credentials. It implements
// Store and api.TokenSource.
type Holder struct {
	mu    sync.RWMutex
	creds Credentials
	set   bool
}

// NewHolder creates a Holder seeded with c; a zero c leaves it empty.
func NewHolder(c Credentials) *Holder {
	return &Holder{creds: c, set: c.AccessToken != ""}
}

// Token returns the current access token.
func (h *Holder) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.creds.AccessToken
}

// User returns the signed-in user.
func (h *Holder) User() chat.User {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.creds.User
}

func (h *Holder) Load(ctx context.Context) (Credentials, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.set {
		return Credentials{}, ErrNotFound
	}
	return h.creds, nil
}

func (h *Holder) Save(ctx context.Context, c Credentials) error {
	h.mu.Lock()
	h.creds = c
	h.set = true
	h.mu.Unlock()
	return nil
}

func (h *Holder) Clear(ctx context.Context) error {
	h.mu.Lock()
	h.creds = Credentials{}
	h.set = false
	h.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

// Resolve picks the credentials to run with. An explicit token in override
// wins and is saved to store; otherwise the stored sign-in is used. A
// missing user id is taken from the token's user_id claim. The returned
// Claims are zero when the token cannot be decoded.
func Resolve(ctx context.Context, store Store, override Credentials) (Credentials, Claims, error) {
	c := override
	if c.AccessToken != "" {
		if store != nil {
			if err := store.Save(ctx, c); err != nil {
				return Credentials{}, Claims{}, fmt.Errorf("credentials: resolve: %w", err)
			}
		}
	} else {
		if store == nil {
			return Credentials{}, Claims{}, ErrNotFound
		}
		stored, err := store.Load(ctx)
		if err != nil {
			return Credentials{}, Claims{}, err
		}
		c = stored
		if override.User.Username != "" && c.User.Username == "" {
			c.User.Username = override.User.Username
		}
	}

	claims, err := ParseClaims(c.AccessToken)
	if err != nil {
		claims = Claims{}
	}
	if c.User.ID == 0 {
		c.User.ID = claims.UserID
	}
	if c.User.ID == 0 {
		return Credentials{}, Claims{}, errors.New("credentials: resolve: unknown user id")
	}
	return c, claims, nil
}
