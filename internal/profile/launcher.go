package profile

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"icc.tech/taskmesh/internal/rng"
)

// LaunchConfig carries the argv-encoded parameters a spawned daemon
// needs: dial-in URL (the profile's, or the dispatcher child's when
// DispatcherURL is set), TLS material, RNG seed, and the forwarded
// option set.
type LaunchConfig struct {
	ExecPath      string
	URL           string
	DispatcherURL string // daemons dial here instead of URL when a dispatcher mediates
	TLSCert       string
	TLSKey        string
	Seed          rng.SeedVector
	Options       DaemonOptions
}

// argv renders cfg as the flags a cmd/taskmesh-daemon process parses
// on startup, replacing the source's habit of composing a shell
// expression with a structured flag set.
func (cfg LaunchConfig) argv() []string {
	dialURL := cfg.URL
	if cfg.DispatcherURL != "" {
		dialURL = cfg.DispatcherURL
	}

	args := []string{
		"--url", dialURL,
		"--seed", seedString(cfg.Seed),
	}
	if cfg.TLSCert != "" {
		args = append(args, "--tls-cert", cfg.TLSCert, "--tls-key", cfg.TLSKey)
	}
	if cfg.Options.Autoexit {
		args = append(args, "--autoexit")
	}
	if cfg.Options.AsyncDial {
		args = append(args, "--async-dial")
	}
	if cfg.Options.Cleanup {
		args = append(args, "--cleanup")
	}
	if cfg.Options.MaxTasks > 0 {
		args = append(args, "--maxtasks", strconv.Itoa(cfg.Options.MaxTasks))
	}
	if cfg.Options.IdleTime != "" {
		args = append(args, "--idletime", cfg.Options.IdleTime)
	}
	if cfg.Options.WallTime != "" {
		args = append(args, "--walltime", cfg.Options.WallTime)
	}
	return args
}

// writeCertPair serialises an in-process tls.Certificate (built by
// autoCert, which never touches disk) to a pair of temp PEM files so a
// spawned daemon process — which only receives argv, not Go values —
// can load the same key material via --tls-cert/--tls-key.
func writeCertPair(cert tls.Certificate) (certPath, keyPath string, err error) {
	certFile, err := os.CreateTemp("", "taskmesh-cert-*.pem")
	if err != nil {
		return "", "", err
	}
	defer certFile.Close()
	for _, der := range cert.Certificate {
		if err := pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
			return "", "", err
		}
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	keyFile, err := os.CreateTemp("", "taskmesh-key-*.pem")
	if err != nil {
		return "", "", err
	}
	defer keyFile.Close()
	if err := pem.Encode(keyFile, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}); err != nil {
		return "", "", err
	}

	return certFile.Name(), keyFile.Name(), nil
}

func seedString(s rng.SeedVector) string {
	out := ""
	for i, w := range s {
		if i > 0 {
			out += ","
		}
		out += strconv.FormatUint(w, 10)
	}
	return out
}

// spawn starts a single detached daemon child process, grounded on
// the teacher's daemon/manager.go startDaemon (Setsid, stdout/stderr
// redirect to a log file, no waiting here — the caller polls the
// listener separately).
func spawn(cfg LaunchConfig, logPath string) (*os.Process, error) {
	cmd := exec.Command(cfg.ExecPath, cfg.argv()...)
	setDetached(cmd)

	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			cmd.Stdout = logFile
			cmd.Stderr = logFile
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("profile: spawn %s: %w", cfg.ExecPath, err)
	}
	return cmd.Process, nil
}

// LaunchDaemons spawns n detached daemon processes dialing the
// profile's own URL directly (direct mode, or dispatcher=thread where
// the in-process dispatcher listens on the same socket) and, for a
// synchronous launch, blocks until all n have dialed into listener or
// timeout elapses.
func (p *Profile) LaunchDaemons(execPath string, n int, sync_ bool, timeout time.Duration) error {
	return p.LaunchDaemonsAt(execPath, n, sync_, timeout, "")
}

// LaunchDaemonsAt is LaunchDaemons generalized to spec §4.1's
// dispatcher=process case, where daemons must dial the dispatcher
// child's own daemon-facing URL instead of the profile's — generalizing
// daemon/manager.go's single-daemon isSocketAlive poll loop to n
// concurrent daemons awaited together. dispatcherURL == "" means
// "dial the profile's own URL" (direct and thread modes).
func (p *Profile) LaunchDaemonsAt(execPath string, n int, sync_ bool, timeout time.Duration, dispatcherURL string) error {
	if n <= 0 {
		return nil
	}

	seeds := p.seeds
	if len(seeds) < n {
		seeds = rng.Next(n)
	}

	var certPath, keyPath string
	if p.TLSCert != nil {
		var err error
		certPath, keyPath, err = writeCertPair(*p.TLSCert)
		if err != nil {
			return fmt.Errorf("profile: materialize tls cert for spawned daemons: %w", err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	pids := make(chan int, n)

	for i := 0; i < n; i++ {
		cfg := LaunchConfig{
			ExecPath:      execPath,
			URL:           p.URL.String(),
			DispatcherURL: dispatcherURL,
			Seed:          seeds[i],
			Options:       p.Options,
			TLSCert:       certPath,
			TLSKey:        keyPath,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			proc, err := spawn(cfg, "")
			if err != nil {
				errs <- err
				return
			}
			pids <- proc.Pid
		}()
	}
	wg.Wait()
	close(errs)
	close(pids)

	for err := range errs {
		if err != nil {
			return fmt.Errorf("profile: launch daemons: %w", err)
		}
	}
	for pid := range pids {
		p.mu.Lock()
		p.daemonPIDs = append(p.daemonPIDs, pid)
		p.mu.Unlock()
	}

	if !sync_ {
		return nil
	}
	return p.awaitConnections(n, timeout)
}

// awaitConnections polls the profile's listener for n accepted
// connections, the same bounded-poll shape as manager.go's
// isSocketAlive loop (30 × 100ms), generalized to a caller-supplied
// timeout and an accepted-connection count instead of a socket-file
// existence check.
func (p *Profile) awaitConnections(n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if int(p.Listener.AcceptedCount()) >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("profile: SyncDaemons: only %d/%d daemons connected within %s",
				p.Listener.AcceptedCount(), n, timeout)
		}
		<-ticker.C
	}
}
