package pamwrap

import (
	"errors"

	"idia-astro/go-remotemon/pkg/config"
	"idia-astro/go-remotemon/services/gateway/internal/auth"
)

var ErrUnsupported = errors.New("PAM auth is only supported on Linux builds with cgo")

func New(cfg config.AuthConfig) (auth.Authenticator, error) {
	return newImpl(cfg)
}
