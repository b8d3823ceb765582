package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"idia-astro/go-remotemon/pkg/framing"
	helpers "idia-astro/go-remotemon/pkg/shared"
	"idia-astro/go-remotemon/pkg/sysinfo"
)

const (
	transportStdio  = "stdio"
	transportPacket = "packet"

	// packetFd is the socket the gateway passes as the first extra file
	packetFd = 3
)

func main() {
	transport := pflag.String("transport", transportStdio, "How requests arrive (stdio|packet)")
	framingName := pflag.String("framing", framing.NameLength, "Frame codec for the stdio transport (length|sentinel)")
	maxFrame := pflag.Int("max_frame", framing.DefaultMaxFrame, "Largest frame in bytes")
	logLevel := pflag.String("log_level", "info", "Log level (debug|info|warn|error)")
	pflag.Parse()

	os.Exit(run(*transport, *framingName, *maxFrame, *logLevel))
}

func run(transport, framingName string, maxFrame int, logLevel string) int {
	// Over stdio every stderr line is taken as a failed request, so nothing else may go there
	logOut := io.Writer(os.Stderr)
	if transport == transportStdio {
		logOut = io.Discard
	}
	logger := helpers.NewLoggerTo(logOut, "remotemon-worker", logLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &Server{Run: sysinfo.Run, Logger: logger}
	served := make(chan error, 1)

	switch transport {
	case transportStdio:
		codec, err := framing.New(framingName, maxFrame)
		if err != nil {
			logger.Error("Invalid framing", "error", err)
			return 2
		}
		go func() { served <- s.ServeStream(ctx, os.Stdin, os.Stdout, os.Stderr, codec) }()
	case transportPacket:
		f := os.NewFile(packetFd, "gateway")
		conn, err := net.FileConn(f)
		helpers.CloseOrLog(f)
		if err != nil {
			logger.Error("No packet socket on fd 3", "error", err)
			return 2
		}
		defer helpers.CloseOrLog(conn)
		go func() { served <- s.ServePacket(ctx, conn) }()
	default:
		logger.Error("Unknown transport", "transport", transport)
		return 2
	}

	logger.Info("Worker ready", "pid", os.Getpid(), "transport", transport)

	select {
	case <-ctx.Done():
		logger.Info("Signal received, exiting")
		return 0
	case err := <-served:
		if err != nil {
			logger.Error("Worker stopped", "error", err)
			return 1
		}
		return 0
	}
}
