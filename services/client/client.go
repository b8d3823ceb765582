package main

import (
	"context"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/crypto/ssh"

	"idia-astro/go-remotemon/pkg/shared/defs"
)

// Prompts the gateway sends while authenticating
const (
	promptIdentify = "Identify yourself, program."
	promptToken    = "Token required."
	promptUsername = "Username:"
	promptPassword = "Password:"
)

var ErrClosed = errors.New("connection closed")

type incoming struct {
	data []byte
	err  error
}

// Client is a remote monitoring connection that answers authentication prompts on its own
type Client struct {
	User     string
	Password string
	Token    string
	Key      *rsa.PrivateKey

	conn     *websocket.Conn
	writeMu  sync.Mutex
	messages chan incoming
	logger   *slog.Logger
}

// Dial connects to url, retrying with backoff up to retries extra times
func Dial(ctx context.Context, url string, retries int) (*Client, error) {
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	logger := slog.With("component", "client")

	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			c := &Client{conn: conn, messages: make(chan incoming, 16), logger: logger}
			go c.readLoop()
			return c, nil
		}
		if int(b.Attempt()) >= retries {
			return nil, fmt.Errorf("could not connect to %s: %w", url, err)
		}
		wait := b.Duration()
		logger.Warn("Connection failed, retrying", "url", url, "error", err, "retryIn", wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.messages)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.messages <- incoming{err: err}
			return
		}
		c.messages <- incoming{data: msg}
	}
}

func (c *Client) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Client) send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// next returns the next message from the gateway, or an error once the connection is gone.
// A nil message means settle elapsed first.
func (c *Client) next(ctx context.Context, settle time.Duration) ([]byte, error) {
	var timeout <-chan time.Time
	if settle > 0 {
		timeout = time.After(settle)
	}
	select {
	case in, ok := <-c.messages:
		if !ok {
			return nil, ErrClosed
		}
		if in.err != nil {
			return nil, in.err
		}
		return in.data, nil
	case <-timeout:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handshake answers authentication prompts until the gateway has been quiet for settle
func (c *Client) Handshake(ctx context.Context, settle time.Duration) error {
	for {
		msg, err := c.next(ctx, settle)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		answered, err := c.Answer(string(msg))
		if err != nil {
			return err
		}
		if !answered {
			c.logger.Debug("Ignoring message during handshake", "msg", string(msg))
		}
	}
}

// Answer replies to msg if it is an authentication prompt
func (c *Client) Answer(msg string) (bool, error) {
	reply, ok, err := c.promptReply(msg)
	if err != nil || !ok {
		return false, err
	}
	return true, c.send([]byte(reply))
}

func (c *Client) promptReply(msg string) (string, bool, error) {
	switch msg {
	case promptIdentify, promptUsername:
		return c.User, true, nil
	case promptPassword:
		return c.Password, true, nil
	case promptToken:
		return c.Token, true, nil
	}
	if c.Key == nil {
		return "", false, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(msg)
	if err != nil || len(sealed) != c.Key.Size() {
		return "", false, nil
	}
	plain, err := rsa.DecryptOAEP(sha1.New(), nil, c.Key, sealed, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to answer challenge: %w", err)
	}
	return string(plain), true, nil
}

// Query sends one request and returns the gateway's reply
func (c *Client) Query(ctx context.Context, reqType string, args []json.RawMessage) (string, error) {
	if args == nil {
		args = []json.RawMessage{}
	}
	payload, err := json.Marshal(defs.ClientRequest{Type: reqType, Args: args})
	if err != nil {
		return "", err
	}
	if err := c.send(payload); err != nil {
		return "", err
	}
	for {
		msg, err := c.next(ctx, 0)
		if err != nil {
			return "", err
		}
		if string(msg) == "PONG" {
			continue
		}
		return string(msg), nil
	}
}

// LoadKey reads an unencrypted RSA private key in PEM or OpenSSH format
func LoadKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	key, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s is not an RSA key", path)
	}
	return key, nil
}

// IssueToken signs a token the gateway accepts in token mode
func IssueToken(secret []byte, username string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": username,
		"exp":      time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}
