package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"idia-astro/go-remotemon/pkg/config"
)

// scriptedConn answers each prompt with respond(prompt). A nil respond never answers.
type scriptedConn struct {
	prompts []string
	respond func(prompt string) string
}

func (c *scriptedConn) Send(msg string) error {
	c.prompts = append(c.prompts, msg)
	return nil
}

func (c *scriptedConn) Receive(ctx context.Context) (string, error) {
	if c.respond == nil {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return c.respond(c.prompts[len(c.prompts)-1]), nil
}

func lookupIn(home string) Lookup {
	return func(name string) (*User, error) {
		if name != "alice" {
			return nil, ErrUnknownUser
		}
		return &User{Username: name, Home: home, UID: 1000, GID: 1000}, nil
	}
}

func writeAuthorizedKeys(t *testing.T, home string, keys ...any) {
	t.Helper()
	dir := filepath.Join(home, ".ssh")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	var data []byte
	for _, k := range keys {
		pub, err := ssh.NewPublicKey(k)
		require.NoError(t, err)
		data = append(data, ssh.MarshalAuthorizedKey(pub)...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "authorized_keys"), data, 0o600))
}

func TestQueryTimesOut(t *testing.T) {
	conn := &scriptedConn{}
	_, err := Query(context.Background(), conn, "hello?", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueryTimeout)
	assert.Equal(t, []string{"hello?"}, conn.prompts)
}

func TestNoopAuthenticator(t *testing.T) {
	n, err := NewNoop("")
	require.NoError(t, err)

	u, err := n.Authenticate(context.Background(), &scriptedConn{})
	require.NoError(t, err)
	assert.Equal(t, uint32(os.Getuid()), u.UID)
	assert.Equal(t, SourceNone, u.Source)
}

func TestPubKeyAuthenticator(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	home := t.TempDir()
	// the ed25519 key comes first and must be skipped
	writeAuthorizedKeys(t, home, edPub, &priv.PublicKey)

	solve := func(prompt string) string {
		if prompt == IdentifyPrompt {
			return "alice"
		}
		sealed, err := base64.StdEncoding.DecodeString(prompt)
		require.NoError(t, err)
		plain, err := rsa.DecryptOAEP(sha1.New(), nil, priv, sealed, nil)
		require.NoError(t, err)
		return string(plain)
	}

	tests := []struct {
		name    string
		respond func(string) string
		wantErr error
	}{
		{name: "correct answer", respond: solve},
		{name: "wrong answer", respond: func(p string) string {
			if p == IdentifyPrompt {
				return "alice"
			}
			return "guess"
		}, wantErr: ErrChallengeFailed},
		{name: "invalid user name", respond: func(string) string { return "../root" }, wantErr: ErrInvalidUserName},
		{name: "unknown user", respond: func(string) string { return "bob" }, wantErr: ErrUnknownUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewPubKey(lookupIn(home), time.Second)
			conn := &scriptedConn{respond: tt.respond}
			u, err := a.Authenticate(context.Background(), conn)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alice", u.Username)
			assert.Equal(t, SourcePubKey, u.Source)
			assert.Len(t, conn.prompts, 2)
		})
	}
}

func TestLoadRSAKeyWithoutRSAKey(t *testing.T) {
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	home := t.TempDir()
	writeAuthorizedKeys(t, home, edPub)

	_, err = LoadRSAKey(filepath.Join(home, ".ssh", "authorized_keys"))
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = LoadRSAKey(filepath.Join(home, "missing"))
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestTokenAuthenticator(t *testing.T) {
	secret := []byte("test-secret")
	valid, err := IssueToken(secret, "alice", time.Now().Add(time.Hour))
	require.NoError(t, err)
	expired, err := IssueToken(secret, "alice", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	forged, err := IssueToken([]byte("other-secret"), "alice", time.Now().Add(time.Hour))
	require.NoError(t, err)
	badName, err := IssueToken(secret, "al ice", time.Now().Add(time.Hour))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "valid", token: valid},
		{name: "bearer prefix", token: "Bearer " + valid},
		{name: "expired", token: expired, wantErr: ErrInvalidToken},
		{name: "wrong secret", token: forged, wantErr: ErrInvalidToken},
		{name: "garbage", token: "not.a.token", wantErr: ErrInvalidToken},
		{name: "invalid user name", token: badName, wantErr: ErrInvalidUserName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewToken(secret, lookupIn(t.TempDir()), time.Second)
			u, err := a.Authenticate(context.Background(), &scriptedConn{respond: func(string) string { return tt.token }})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alice", u.Username)
			assert.Equal(t, SourceToken, u.Source)
			assert.Equal(t, "alice", u.Claims["username"])
		})
	}
}

func TestMultiReturnsFirstSuccess(t *testing.T) {
	secret := []byte("s")
	valid, err := IssueToken(secret, "alice", time.Now().Add(time.Hour))
	require.NoError(t, err)

	m := Multi(NewToken([]byte("wrong"), lookupIn(t.TempDir()), time.Second), NewToken(secret, lookupIn(t.TempDir()), time.Second))
	u, err := m.Authenticate(context.Background(), &scriptedConn{respond: func(string) string { return valid }})
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = Multi().Authenticate(context.Background(), &scriptedConn{})
	assert.ErrorIs(t, err, ErrAuth)
}

func TestNewRejectsPAMMode(t *testing.T) {
	_, err := New(config.AuthConfig{Mode: config.AuthPAM})
	assert.Error(t, err)

	a, err := New(config.AuthConfig{Mode: config.AuthToken, TokenSecret: "x"})
	require.NoError(t, err)
	assert.IsType(t, &TokenAuthenticator{}, a)
}
