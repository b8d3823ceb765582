package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"golang.org/x/crypto/ssh"
)

const IdentifyPrompt = "Identify yourself, program."

var (
	userNameRe = regexp.MustCompile(`(?i)^[a-z0-9]+$`)

	ErrNoKey           = errors.New("No usable ssh-rsa key")
	ErrChallengeFailed = errors.New("Challenge failed")
)

// PubKeyAuthenticator asks the client for a user name, then proves possession of the
// private half of the first ssh-rsa key in that user's authorized_keys. The client receives
// a random challenge encrypted with RSA-OAEP (SHA-1), base64 encoded, and must send back
// the plaintext.
type PubKeyAuthenticator struct {
	lookup  Lookup
	timeout time.Duration
}

func NewPubKey(lookup Lookup, timeout time.Duration) *PubKeyAuthenticator {
	return &PubKeyAuthenticator{lookup: lookup, timeout: timeout}
}

func (p *PubKeyAuthenticator) Authenticate(ctx context.Context, conn Conn) (*User, error) {
	name, err := Query(ctx, conn, IdentifyPrompt, p.timeout)
	if err != nil {
		return nil, err
	}
	if !userNameRe.MatchString(name) {
		return nil, ErrInvalidUserName
	}

	u, err := p.lookup(name)
	if err != nil {
		return nil, err
	}

	key, err := LoadRSAKey(filepath.Join(u.Home, ".ssh", "authorized_keys"))
	if err != nil {
		return nil, err
	}

	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}
	sealed, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, key, []byte(challenge), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt challenge: %w", err)
	}

	answer, err := Query(ctx, conn, base64.StdEncoding.EncodeToString(sealed), p.timeout)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(answer), []byte(challenge)) != 1 {
		return nil, ErrChallengeFailed
	}

	u.Source = SourcePubKey
	return u, nil
}

// LoadRSAKey returns the first ssh-rsa key of an authorized_keys file
func LoadRSAKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoKey, err)
	}

	for len(data) > 0 {
		pub, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			break
		}
		data = rest
		if pub.Type() != ssh.KeyAlgoRSA {
			continue
		}
		cpk, ok := pub.(ssh.CryptoPublicKey)
		if !ok {
			continue
		}
		if key, ok := cpk.CryptoPublicKey().(*rsa.PublicKey); ok {
			return key, nil
		}
	}
	return nil, ErrNoKey
}

// newChallenge returns 21 random bytes as URL-safe text
func newChallenge() (string, error) {
	buf := make([]byte, 21)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
