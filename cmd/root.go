// Package cmd wires up the CLI flags and starts the daemon.
package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"asdd/config"
	"asdd/internal/auth"
	"asdd/internal/core"
	"asdd/internal/errors"
	"asdd/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X asdd/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the daemon until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdin, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	def := config.Default()
	flags := &config.Config{}
	fs := flag.NewFlagSet("asdd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// ── listener ─────────────────────────────────────────────────
	fs.IntVarP(&flags.Port, "port", "p", def.Port, "TCP port to listen on")
	fs.StringVarP(&flags.BindInterface, "bind-interface", "i", "", "Only accept clients on this network interface")

	// ── TLS ──────────────────────────────────────────────────────
	var noTLS bool
	fs.BoolVar(&noTLS, "no-tls", false, "Serve plaintext TCP instead of TLS")
	fs.StringVar(&flags.CertFile, "cert", "", "PEM certificate (may also hold the key)")
	fs.StringVar(&flags.KeyFile, "key", "", "PEM private key (defaults to --cert)")

	// ── sessions ─────────────────────────────────────────────────
	fs.IntVarP(&flags.MaxSessions, "max-sessions", "m", def.MaxSessions, "Maximum concurrent client connections")
	fs.DurationVar(&flags.AuthTimeout, "auth-timeout", def.AuthTimeout, "Time a client has to authenticate")
	fs.DurationVar(&flags.HandshakeTimeout, "handshake-timeout", def.HandshakeTimeout, "TLS handshake timeout")

	// ── authentication ───────────────────────────────────────────
	fs.StringVar(&flags.PasswordHash, "password-hash", "", "bcrypt hash of the client password")
	fs.IntVar(&flags.MaxAuthAttempts, "max-auth-attempts", def.MaxAuthAttempts, "Failed logins per minute before lockout")
	fs.DurationVar(&flags.LockoutDuration, "lockout", def.LockoutDuration, "How long logins are refused after a lockout")
	var hashPassword bool
	fs.BoolVar(&hashPassword, "hash-password", false, "Read a password, print its bcrypt hash and exit")

	// ── throttling & output ──────────────────────────────────────
	fs.Float64Var(&flags.AcceptRate, "accept-rate", def.AcceptRate, "Connections accepted per second (0 = unlimited)")
	fs.IntVar(&flags.AcceptBurst, "accept-burst", def.AcceptBurst, "Connections accepted back to back before throttling")
	fs.StringVar(&flags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on host:port")
	var verbose int
	fs.CountVarP(&verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var configPath string
	fs.StringVar(&configPath, "config", "", "TOML configuration file")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration, print it and exit")

	fs.Usage = func() { printUsage(stderr, fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if showHelp {
		printUsage(stderr, fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "asdd %s\n", version)
		return nil
	}
	if hashPassword {
		return printHash(stdin, stdout, stderr)
	}

	// ── resolve: defaults < file < env < flags ───────────────────
	cfg := config.Default()
	if configPath != "" {
		if err := config.LoadFile(cfg, configPath); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = flags.Port
		case "bind-interface":
			cfg.BindInterface = flags.BindInterface
		case "no-tls":
			cfg.TLS = !noTLS
		case "cert":
			cfg.CertFile = flags.CertFile
		case "key":
			cfg.KeyFile = flags.KeyFile
		case "max-sessions":
			cfg.MaxSessions = flags.MaxSessions
		case "auth-timeout":
			cfg.AuthTimeout = flags.AuthTimeout
		case "handshake-timeout":
			cfg.HandshakeTimeout = flags.HandshakeTimeout
		case "password-hash":
			cfg.PasswordHash = flags.PasswordHash
		case "max-auth-attempts":
			cfg.MaxAuthAttempts = flags.MaxAuthAttempts
		case "lockout":
			cfg.LockoutDuration = flags.LockoutDuration
		case "accept-rate":
			cfg.AcceptRate = flags.AcceptRate
		case "accept-burst":
			cfg.AcceptBurst = flags.AcceptBurst
		case "metrics-addr":
			cfg.MetricsAddr = flags.MetricsAddr
		case "verbose":
			cfg.Verbose = config.DefaultVerbosity + verbose
		}
	})

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dryRun {
		printConfig(stdout, cfg)
		return nil
	}

	// ── build & run ──────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	srv, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("asdd %s starting", version)
	return srv.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

// printHash reads the client password, from the terminal without echo
// when stdin is one, and prints its bcrypt hash.
func printHash(stdin io.Reader, stdout, stderr io.Writer) error {
	password, err := readPassword(stdin, stderr)
	if err != nil {
		return err
	}
	defer clear(password)

	hash, err := auth.HashPassword(password, 0)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	fmt.Fprintln(stdout, hash)
	return nil
}

func readPassword(stdin io.Reader, stderr io.Writer) ([]byte, error) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		fmt.Fprint(stderr, "Client password: ")
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		fmt.Fprint(stderr, "Repeat password: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		defer clear(again)
		if !bytes.Equal(pass, again) {
			return nil, errors.New("passwords do not match")
		}
		return pass, nil
	}

	line, err := bufio.NewReader(stdin).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func printConfig(w io.Writer, cfg *config.Config) {
	hash := "unset"
	if cfg.PasswordHash != "" {
		hash = "set"
	}
	fmt.Fprintf(w, "listen             %s\n", cfg.ListenAddr())
	fmt.Fprintf(w, "tls                %t\n", cfg.TLS)
	if cfg.TLS {
		fmt.Fprintf(w, "cert               %s\n", cfg.CertFile)
		fmt.Fprintf(w, "key                %s\n", cfg.KeyFile)
	}
	fmt.Fprintf(w, "max-sessions       %d\n", cfg.MaxSessions)
	fmt.Fprintf(w, "auth-timeout       %s\n", cfg.AuthTimeout)
	fmt.Fprintf(w, "handshake-timeout  %s\n", cfg.HandshakeTimeout)
	fmt.Fprintf(w, "password-hash      %s\n", hash)
	fmt.Fprintf(w, "max-auth-attempts  %d\n", cfg.MaxAuthAttempts)
	fmt.Fprintf(w, "lockout            %s\n", cfg.LockoutDuration)
	fmt.Fprintf(w, "accept-rate        %g/s (burst %d)\n", cfg.AcceptRate, cfg.AcceptBurst)
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(w, "metrics            %s\n", cfg.MetricsAddr)
	}
	fmt.Fprintf(w, "verbosity          %d\n", cfg.Verbose)
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `asdd – remote hardware-debug daemon v%s

Serves JTAG/I2C/pin access to one authenticated client at a time over
TLS (default) or plaintext TCP.

Usage:
  asdd --cert server.pem --password-hash HASH [options]
  asdd --hash-password

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Environment:
  ASDD_PORT, ASDD_BIND_INTERFACE, ASDD_NO_TLS, ASDD_CERT, ASDD_KEY,
  ASDD_MAX_SESSIONS, ASDD_AUTH_TIMEOUT, ASDD_HANDSHAKE_TIMEOUT,
  ASDD_PASSWORD_HASH, ASDD_MAX_AUTH_ATTEMPTS, ASDD_LOCKOUT,
  ASDD_ACCEPT_RATE, ASDD_ACCEPT_BURST, ASDD_METRICS_ADDR, ASDD_VERBOSE
  (timeouts in seconds)

Examples:
  asdd --hash-password > /etc/asdd/hash          Create the password hash
  asdd --cert /etc/asdd/server.pem \
       --password-hash "$(cat /etc/asdd/hash)"   Serve over TLS on 5123
  asdd -i usb0 --no-tls --password-hash ...      Plaintext, USB gadget link only
  asdd --config /etc/asdd/asdd.toml -vv          Config file, verbose logs
`)
}
