//go:build !linux || !cgo

package pamwrap

import (
	"idia-astro/go-remotemon/pkg/config"
	"idia-astro/go-remotemon/services/gateway/internal/auth"
)

func newImpl(cfg config.AuthConfig) (auth.Authenticator, error) {
	return nil, ErrUnsupported
}
