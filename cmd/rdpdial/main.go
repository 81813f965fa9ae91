// Command rdpdial is a minimal smoke-test client: it dials an RDP server,
// runs the ISO/T.123 security-protocol negotiation, and reports the
// selected protocol. It exercises the transport and iso packages without
// driving a full session (no MCS/GCC, no graphics).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/cendio/rdpwire/internal/iso"
	"github.com/cendio/rdpwire/internal/rdpconfig"
	"github.com/cendio/rdpwire/internal/rdplog"
	"github.com/cendio/rdpwire/internal/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type dialArgs struct {
	host     string
	port     int
	username string
	domain   string
	password string
	logLevel string
	timeout  time.Duration
}

func parseFlags(args []string) (dialArgs, error) {
	fs := pflag.NewFlagSet("rdpdial", pflag.ContinueOnError)
	host := fs.StringP("host", "H", "", "RDP server host (required)")
	port := fs.IntP("port", "p", 0, "RDP server port (defaults to RDP_TCP_PORT or 3389)")
	username := fs.StringP("username", "u", "", "logon username")
	domain := fs.String("domain", "", "logon domain")
	password := fs.String("password", "", "logon password")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	timeout := fs.Duration("timeout", 10*time.Second, "connect timeout")

	if err := fs.Parse(args); err != nil {
		return dialArgs{}, err
	}
	if *host == "" {
		return dialArgs{}, fmt.Errorf("rdpdial: --host is required")
	}

	return dialArgs{
		host:     *host,
		port:     *port,
		username: *username,
		domain:   *domain,
		password: *password,
		logLevel: *logLevel,
		timeout:  *timeout,
	}, nil
}

func run(args []string) error {
	parsed, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := rdpconfig.LoadWithOverrides(rdpconfig.LoadOptions{TCPPortRDP: parsed.port})
	if err != nil {
		return err
	}

	correlationID := uuid.New().String()
	log := rdplog.Default().With("correlation_id", correlationID)
	log.SetLevelFromString(parsed.logLevel)

	ctx, cancel := context.WithTimeout(context.Background(), parsed.timeout)
	defer cancel()

	tr := transport.New()
	p := iso.New(tr)

	opts := iso.Options{
		Username: parsed.username,
		Domain:   parsed.domain,
		Password: parsed.password,
		Port:     cfg.TCPPortRDP,
	}

	selected, err := p.Connect(ctx, parsed.host, opts)
	if err != nil {
		return fmt.Errorf("rdpdial: connect: %w", err)
	}
	defer p.Disconnect()

	log.Info("negotiated protocol %#x (extended client data: %v, encryption in use: %v)",
		uint32(selected), p.ExtendedClientData(), p.EncryptionInUse())
	return nil
}
