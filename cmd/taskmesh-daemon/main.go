// Command taskmesh-daemon is the worker process spawned by
// internal/profile's launcher: it dials the address it's given,
// handles tasks, and exits when told to. It takes flags, not a cobra
// subcommand tree, because its argv is composed entirely by
// profile.LaunchConfig.argv() rather than typed by an operator.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"icc.tech/taskmesh/internal/config"
	"icc.tech/taskmesh/internal/daemonproc"
	"icc.tech/taskmesh/internal/log"
	"icc.tech/taskmesh/internal/rng"
)

func main() {
	var (
		url       = flag.String("url", "", "dial-in url (tcp://, tls+tcp://, ipc://, abstract://)")
		seed      = flag.String("seed", "", "comma-separated 6-word rng seed vector")
		tlsCert   = flag.String("tls-cert", "", "PEM certificate path (tls+tcp only)")
		tlsKey    = flag.String("tls-key", "", "PEM private key path (tls+tcp only)")
		autoexit  = flag.Bool("autoexit", false, "accepted for launcher compatibility; the daemon exits once the socket closes or the exit sentinel arrives whether or not this is set")
		asyncDial = flag.Bool("async-dial", false, "retry dialing in the background instead of failing fast")
		cleanup   = flag.Bool("cleanup", false, "run resource cleanup before exit")
		maxTasks  = flag.Int("maxtasks", 0, "exit after this many tasks (0 = unbounded)")
		idleTime  = flag.Duration("idletime", 0, "exit after this long without a task (0 = unbounded)")
		wallTime  = flag.Duration("walltime", 0, "exit after this long regardless of activity (0 = unbounded)")
	)
	flag.Parse()

	if *url == "" {
		fmt.Fprintln(os.Stderr, "taskmesh-daemon: --url is required")
		os.Exit(2)
	}

	if _, err := log.Init(defaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "taskmesh-daemon: init logging: %v\n", err)
		os.Exit(1)
	}

	seedVec, err := parseSeed(*seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmesh-daemon: %v\n", err)
		os.Exit(2)
	}

	tlsConf, err := loadTLSConfig(*tlsCert, *tlsKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmesh-daemon: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = daemonproc.Run(ctx, daemonproc.Options{
		URL:       *url,
		Seed:      seedVec,
		TLSConfig: tlsConf,
		AsyncDial: *asyncDial,
		Autoexit:  *autoexit,
		Cleanup:   *cleanup,
		MaxTasks:  *maxTasks,
		IdleTime:  *idleTime,
		WallTime:  *wallTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmesh-daemon: %v\n", err)
		os.Exit(1)
	}
}

func parseSeed(raw string) (rng.SeedVector, error) {
	var sv rng.SeedVector
	if raw == "" {
		return sv, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != len(sv) {
		return sv, fmt.Errorf("seed must have %d comma-separated words, got %d", len(sv), len(parts))
	}
	for i, p := range parts {
		w, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return sv, fmt.Errorf("seed word %d: %w", i, err)
		}
		sv[i] = w
	}
	return sv, nil
}

func defaultLogConfig() config.LogConfig {
	return config.LogConfig{Level: "info", Format: "text"}
}

// loadTLSConfig builds a client tls.Config trusting exactly the
// single self-signed certificate the profile's autoCert generated
// (and wrote to certPath for this spawned process to load), rather
// than disabling verification outright.
func loadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" {
		return nil, nil
	}

	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}

	pem, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read tls cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse tls cert %s: no certificates found", certPath)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      pool,
		ServerName:   "localhost",
		MinVersion:   tls.VersionTLS12,
	}, nil
}
