//go:build linux && cgo

package pam

import (
	"context"
	"fmt"
	"time"

	"github.com/msteinert/pam"

	"idia-astro/go-remotemon/pkg/config"
	"idia-astro/go-remotemon/services/gateway/internal/auth"
)

const (
	UsernamePrompt = "Username:"
	PasswordPrompt = "Password:"
)

type PAMAuthenticator struct {
	serviceName string
	lookup      auth.Lookup
	timeout     time.Duration
}

func New(cfg config.AuthConfig, lookup auth.Lookup) *PAMAuthenticator {
	return &PAMAuthenticator{serviceName: cfg.PAM.ServiceName, lookup: lookup, timeout: cfg.QueryTimeout}
}

func (p *PAMAuthenticator) Authenticate(ctx context.Context, conn auth.Conn) (*auth.User, error) {
	username, err := auth.Query(ctx, conn, UsernamePrompt, p.timeout)
	if err != nil {
		return nil, err
	}
	password, err := auth.Query(ctx, conn, PasswordPrompt, p.timeout)
	if err != nil {
		return nil, err
	}

	t, err := pam.StartFunc(p.serviceName, username,
		func(s pam.Style, msg string) (string, error) {
			switch s {
			case pam.PromptEchoOff:
				return password, nil
			case pam.PromptEchoOn:
				return username, nil
			default:
				return "", nil
			}
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start PAM transaction: %w", err)
	}
	if err := t.Authenticate(0); err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrAuth, err)
	}
	if err := t.AcctMgmt(0); err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrAuth, err)
	}

	u, err := p.lookup(username)
	if err != nil {
		return nil, err
	}
	u.Source = auth.SourcePAM
	return u, nil
}
