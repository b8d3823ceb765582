package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	helpers "idia-astro/go-remotemon/pkg/shared"
)

// Version information (set via ldflags during build)
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "remotemon-client",
	Short: "Talk to a remote monitoring gateway",
	Long: `An interactive client for the remote monitoring gateway.

Every line typed is sent as a request of that type with no arguments.
Authentication prompts are answered from the flags. Type .exit to quit.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		slog.SetDefault(helpers.NewLoggerTo(os.Stderr, "remotemon-client", level))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := connect(ctx, cmd)
		if err != nil {
			return err
		}
		defer helpers.CloseOrLog(c)
		return repl(ctx, c, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var queryCmd = &cobra.Command{
	Use:   "query TYPE [ARG...]",
	Short: "Send one request and print the reply",
	Long: `Send one request and print the reply.

Each ARG is parsed as JSON; anything that is not valid JSON is sent as a string.`,
	Example: `  remotemon-client query mem
  remotemon-client query processes
  remotemon-client query fsSize`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := connect(ctx, cmd)
		if err != nil {
			return err
		}
		defer helpers.CloseOrLog(c)

		reply, err := c.Query(ctx, args[0], parseArgs(args[1:]))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token USER",
	Short: "Print a token for the gateway's token authentication mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if secret == "" {
			return fmt.Errorf("--secret is required")
		}
		token, err := IssueToken([]byte(secret), args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("url", "ws://127.0.0.1:8000", "Gateway websocket URL")
	rootCmd.PersistentFlags().String("user", "", "User name sent when the gateway asks for one")
	rootCmd.PersistentFlags().String("password", "", "Password for PAM authentication")
	rootCmd.PersistentFlags().String("token", "", "Token for token authentication")
	rootCmd.PersistentFlags().String("key", "", "RSA private key answering public key challenges")
	rootCmd.PersistentFlags().Int("retries", 3, "Connection attempts after the first one fails")
	rootCmd.PersistentFlags().Duration("settle", 500*time.Millisecond, "How long the gateway must stay quiet before authentication counts as finished")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug|info|warn|error)")

	tokenCmd.Flags().String("secret", "", "The gateway's auth.token_secret")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(tokenCmd)
}

func connect(ctx context.Context, cmd *cobra.Command) (*Client, error) {
	flags := cmd.Flags()
	url, _ := flags.GetString("url")
	retries, _ := flags.GetInt("retries")
	settle, _ := flags.GetDuration("settle")

	c, err := Dial(ctx, url, retries)
	if err != nil {
		return nil, err
	}
	c.User, _ = flags.GetString("user")
	c.Password, _ = flags.GetString("password")
	c.Token, _ = flags.GetString("token")
	if keyPath, _ := flags.GetString("key"); keyPath != "" {
		if c.Key, err = LoadKey(keyPath); err != nil {
			helpers.CloseOrLog(c)
			return nil, err
		}
	}

	if err := c.Handshake(ctx, settle); err != nil {
		helpers.CloseOrLog(c)
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	return c, nil
}

// repl prints every gateway message and sends a request per input line
func repl(ctx context.Context, c *Client, in io.Reader, out io.Writer) error {
	fmt.Fprint(out, "Connected\n\n> ")

	done := make(chan error, 1)
	go func() {
		for {
			msg, err := c.next(ctx, 0)
			if err != nil {
				done <- err
				return
			}
			if answered, err := c.Answer(string(msg)); err != nil || answered {
				continue
			}
			fmt.Fprintf(out, "\n%s\n> ", msg)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			fmt.Fprintf(out, "\n\nConnection closed: %v\n", err)
			return nil
		case line, ok := <-lines:
			if !ok || line == ".exit" {
				return nil
			}
			if line == "" {
				fmt.Fprint(out, "> ")
				continue
			}
			payload, err := json.Marshal(map[string]any{"type": line, "args": []any{}})
			if err != nil {
				return err
			}
			if err := c.send(payload); err != nil {
				return err
			}
		}
	}
}

func parseArgs(args []string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		if json.Valid([]byte(a)) {
			out = append(out, json.RawMessage(a))
			continue
		}
		quoted, _ := json.Marshal(a)
		out = append(out, quoted)
	}
	return out
}
