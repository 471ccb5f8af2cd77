package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"codetop/internal/domain"
)

// Identity is the authenticated caller: the user id every handler acts
// on and the billing tier the toggle and routing layers key on. There
// is deliberately no way for a request to name a different user.
type Identity struct {
	UserID int64
	Tier   string
}

// Authenticator resolves the caller from a request. Implementations
// return an error wrapping domain.ErrUnauthorized for anything they
// cannot resolve.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// StaticTokens authenticates bearer tokens against a fixed table loaded
// at startup. Token issuance and rotation live outside this service.
type StaticTokens struct {
	byToken map[string]Identity
}

// ParseTokenTable parses comma-separated "token:userId:tier" entries.
func ParseTokenTable(raw string) (*StaticTokens, error) {
	table := make(map[string]Identity)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("token entry %q: want token:userId:tier", entry)
		}
		uid, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || uid <= 0 {
			return nil, fmt.Errorf("token entry %q: bad user id", entry)
		}
		if _, dup := table[parts[0]]; dup {
			return nil, fmt.Errorf("duplicate token %q", parts[0])
		}
		table[parts[0]] = Identity{UserID: uid, Tier: parts[2]}
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("token table is empty")
	}
	return &StaticTokens{byToken: table}, nil
}

// TokensFromEnv loads the token table from the named environment
// variable.
func TokensFromEnv(name string) (*StaticTokens, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s is empty", name)
	}
	auth, err := ParseTokenTable(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return auth, nil
}

func (s *StaticTokens) Authenticate(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return Identity{}, fmt.Errorf("missing bearer token: %w", domain.ErrUnauthorized)
	}
	id, ok := s.byToken[token]
	if !ok {
		return Identity{}, fmt.Errorf("unknown token: %w", domain.ErrUnauthorized)
	}
	return id, nil
}

type ctxKey int

const (
	identityKey ctxKey = iota
	traceKey
)

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// identityFrom returns the identity stored by the auth middleware.
func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func withTrace(ctx context.Context, trace string) context.Context {
	return context.WithValue(ctx, traceKey, trace)
}

func traceFrom(ctx context.Context) string {
	trace, _ := ctx.Value(traceKey).(string)
	return trace
}
