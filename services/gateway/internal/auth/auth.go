package auth

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"strconv"
	"time"

	"idia-astro/go-remotemon/pkg/config"
)

type Source string

const (
	SourceNone   Source = "none"
	SourcePubKey Source = "pubkey"
	SourceToken  Source = "token"
	SourcePAM    Source = "pam"
)

// DefaultQueryTimeout bounds how long a client has to answer an authentication prompt
const DefaultQueryTimeout = 10 * time.Second

var (
	ErrAuth            = errors.New("authentication failed")
	ErrInvalidUserName = errors.New("Invalid system user name")
	ErrUnknownUser     = errors.New("Unknown system user")
	ErrQueryTimeout    = errors.New("Authentication timed out")
)

// User is the OS account a connection's worker will run as
type User struct {
	Username string
	Home     string
	UID      uint32
	GID      uint32
	Source   Source
	Claims   map[string]any
}

// Conn is the client socket as seen during authentication
type Conn interface {
	Send(msg string) error
	// Receive returns the next text message from the client
	Receive(ctx context.Context) (string, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, conn Conn) (*User, error)
}

// Lookup resolves a system user name
type Lookup func(name string) (*User, error)

// Query sends prompt and waits up to timeout for the client's answer
func Query(ctx context.Context, conn Conn, prompt string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	if err := conn.Send(prompt); err != nil {
		return "", fmt.Errorf("failed to send prompt: %w", err)
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	answer, err := conn.Receive(qctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrQueryTimeout
		}
		return "", err
	}
	return answer, nil
}

// LookupUser resolves name against the system user database
func LookupUser(name string) (*User, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}
	return fromOSUser(u)
}

// CurrentUser is the account the gateway itself runs as
func CurrentUser() (*User, error) {
	u, err := user.Current()
	if err != nil {
		return nil, err
	}
	return fromOSUser(u)
}

func fromOSUser(u *user.User) (*User, error) {
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("non-numeric uid %q for %s", u.Uid, u.Username)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("non-numeric gid %q for %s", u.Gid, u.Username)
	}
	return &User{
		Username: u.Username,
		Home:     u.HomeDir,
		UID:      uint32(uid),
		GID:      uint32(gid),
		Claims:   map[string]any{},
	}, nil
}

// NoopAuthenticator admits every connection as one fixed user, used when auth.mode=none
type NoopAuthenticator struct {
	User User
}

func NewNoop(defaultUser string) (*NoopAuthenticator, error) {
	var (
		u   *User
		err error
	)
	if defaultUser == "" {
		u, err = CurrentUser()
	} else {
		u, err = LookupUser(defaultUser)
	}
	if err != nil {
		return nil, err
	}
	u.Source = SourceNone
	return &NoopAuthenticator{User: *u}, nil
}

func (n *NoopAuthenticator) Authenticate(context.Context, Conn) (*User, error) {
	u := n.User
	u.Claims = map[string]any{}
	return &u, nil
}

// MultiAuthenticator tries each backend in turn and returns the first success
type MultiAuthenticator struct {
	backends []Authenticator
}

func Multi(backends ...Authenticator) MultiAuthenticator {
	return MultiAuthenticator{backends: backends}
}

func (m MultiAuthenticator) Authenticate(ctx context.Context, conn Conn) (*User, error) {
	lastErr := ErrAuth
	for _, b := range m.backends {
		u, err := b.Authenticate(ctx, conn)
		if err == nil {
			return u, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// New builds the authenticator for every mode that needs no platform support. PAM is built
// by pamwrap.
func New(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case config.AuthNone, "":
		return NewNoop(cfg.DefaultUser)
	case config.AuthPubKey:
		return NewPubKey(LookupUser, cfg.QueryTimeout), nil
	case config.AuthToken:
		return NewToken([]byte(cfg.TokenSecret), LookupUser, cfg.QueryTimeout), nil
	default:
		return nil, fmt.Errorf("auth mode %q is not available here", cfg.Mode)
	}
}
