//go:build linux && cgo

package pamwrap

import (
	"idia-astro/go-remotemon/pkg/config"
	"idia-astro/go-remotemon/services/gateway/internal/auth"
	authpam "idia-astro/go-remotemon/services/gateway/internal/auth/pam"
)

func newImpl(cfg config.AuthConfig) (auth.Authenticator, error) {
	return authpam.New(cfg, auth.LookupUser), nil
}
