// Package profile implements the compute-profile registry: the
// process-wide map from profile name to pool state, the daemon
// launcher, and TLS auto-provisioning. Grounded on the teacher's
// internal/daemon package (daemon.go's lifecycle, manager.go's
// spawn-and-wait-for-socket loop) and internal/scheduler's
// singleton-map pattern, generalized from one fixed daemon to a
// named, dynamically sized pool.
package profile

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"

	"icc.tech/taskmesh/internal/dispatcher"
	"icc.tech/taskmesh/internal/rng"
	"icc.tech/taskmesh/internal/transport"
)

// DispatcherMode selects how tasks flow from host to daemons.
type DispatcherMode string

const (
	DispatcherNone    DispatcherMode = "none"
	DispatcherProcess DispatcherMode = "process"
	DispatcherThread  DispatcherMode = "thread"
)

// DaemonOptions is the forwarded option set decoded from a generic
// map[string]any via mapstructure (see Configure).
type DaemonOptions struct {
	AsyncDial bool   `mapstructure:"asyncdial"`
	Autoexit  bool   `mapstructure:"autoexit"`
	Cleanup   bool   `mapstructure:"cleanup"`
	Output    bool   `mapstructure:"output"`
	MaxTasks  int    `mapstructure:"maxtasks"`
	IdleTime  string `mapstructure:"idletime"`
	WallTime  string `mapstructure:"walltime"`
}

// Event is a signed daemon-id: positive on connect, negative on
// disconnect, reported by Status since the previous query.
type Event int64

// QueueStats reports dispatcher-mode queue accounting; present only
// when a profile has a dispatcher.
type QueueStats struct {
	Awaiting  int
	Executing int
	Completed int
}

// StatusReport is the result of Status(name).
type StatusReport struct {
	Connections int
	ListenURL   string
	Queue       *QueueStats
	Events      []Event
}

// Profile is the state owned per logical worker pool.
type Profile struct {
	Name       string
	URL        transport.URL
	Listener   *transport.Listener
	N          int
	Dispatcher DispatcherMode
	Retry      bool
	Autoexit   bool
	Options    DaemonOptions

	TLSCert *tls.Certificate

	// OptionWarnings lists the RawOptions keys mapstructure could not
	// place into DaemonOptions, rather than silently dropping them
	// (spec §6/§9 open question, resolved explicit).
	OptionWarnings []string

	// Dispatch is the in-process event-loop state, present once
	// internal/host wires it up after Configure returns. Only
	// Dispatcher==DispatcherThread sets it; it stays nil for
	// DispatcherNone and DispatcherProcess.
	Dispatch *dispatcher.Dispatcher

	seeds []rng.SeedVector

	// dispatcherPID is set when Dispatcher==DispatcherProcess.
	dispatcherPID int
	// dispatcherCancel is the cancel func recorded by
	// SetDispatcherProcess; Reset calls it when set.
	dispatcherCancel context.CancelFunc

	daemonPIDs []int

	mu sync.Mutex
}

// Registry is the process-wide profile-name → *Profile map, the Go
// analogue of the teacher's scheduler.GetScheduler() singleton,
// generalized from a jobID counter to a name-keyed pool map plus a
// shared RNG cursor (internal/rng) so parallel profiles never collide
// on seeds.
type Registry struct {
	mu       sync.Mutex
	profiles map[string]*Profile
}

var (
	registry     *Registry
	registryOnce sync.Once
)

// Get returns the process-wide registry, initializing it on first use.
func Get() *Registry {
	registryOnce.Do(func() {
		registry = &Registry{profiles: make(map[string]*Profile)}
	})
	return registry
}

// ErrAlreadyConfigured is returned by Configure when name is already in use.
var ErrAlreadyConfigured = fmt.Errorf("profile: already configured")

// ErrNotConfigured is returned by Reset/Status when name is unknown.
var ErrNotConfigured = fmt.Errorf("profile: not configured")

// Configure allocates and starts a named profile. See
// internal/dispatcher and internal/router for what happens after the
// listening socket exists, depending on Dispatcher.
func (r *Registry) Configure(ctx context.Context, name string, opts ConfigureOptions) (*Profile, error) {
	r.mu.Lock()
	if _, exists := r.profiles[name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrAlreadyConfigured, name)
	}
	r.mu.Unlock()

	if opts.N <= 0 && opts.URL == "" {
		return nil, fmt.Errorf("profile: n<=0 with no url: nothing to do")
	}

	u, err := transport.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("profile: invalid url: %w", err)
	}

	var tlsConf *tls.Config
	var cert *tls.Certificate
	if u.Scheme == transport.SchemeTLSTCP {
		cert, tlsConf, err = autoCert(opts.TLSCert)
		if err != nil {
			return nil, fmt.Errorf("profile: tls setup: %w", err)
		}
	}

	listener, err := transport.Listen(u, tlsConf)
	if err != nil {
		return nil, fmt.Errorf("profile: listen: %w", err)
	}

	daemonOpts, warnings, err := decodeDaemonOptions(opts.Options, opts.RawOptions)
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("profile: decoding daemon options: %w", err)
	}

	p := &Profile{
		Name:           name,
		URL:            listener.URL(),
		Listener:       listener,
		N:              opts.N,
		Dispatcher:     opts.Dispatcher,
		Retry:          opts.Retry,
		Autoexit:       opts.Autoexit,
		Options:        daemonOpts,
		OptionWarnings: warnings,
		TLSCert:        cert,
		seeds:          rng.Next(max(opts.N, 0)),
	}

	r.mu.Lock()
	r.profiles[name] = p
	r.mu.Unlock()

	return p, nil
}

// ConfigureOptions carries Configure's arguments.
type ConfigureOptions struct {
	N          int
	URL        string
	Dispatcher DispatcherMode
	Retry      bool
	Autoexit   bool
	Options    DaemonOptions
	// RawOptions, when non-nil, is decoded over Options via
	// mapstructure (weakly typed, so "3" decodes into an int field);
	// any key that doesn't match a DaemonOptions field ends up in the
	// returned Profile's OptionWarnings instead of being silently
	// dropped.
	RawOptions map[string]any
	TLSCert    *tls.Certificate
}

// decodeDaemonOptions merges raw into base using mapstructure,
// reporting keys raw held that base has no field for.
func decodeDaemonOptions(base DaemonOptions, raw map[string]any) (DaemonOptions, []string, error) {
	if raw == nil {
		return base, nil, nil
	}
	var metadata mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:         &metadata,
		Result:           &base,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return base, nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return base, nil, err
	}
	return base, metadata.Unused, nil
}

// Reset tears a profile down: optionally signals connected daemons to
// exit cleanly, closes the listening socket (which drops the
// dispatcher child and any still-connected daemons; a daemon exits on
// that drop whatever its autoexit option), and removes it from the
// registry.
func (r *Registry) Reset(name string, signal bool) error {
	r.mu.Lock()
	p, ok := r.profiles[name]
	if ok {
		delete(r.profiles, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotConfigured, name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if signal && p.Dispatch != nil {
		// dispatcher=thread: the event loop lives in this process and
		// Profile.Dispatch is the only handle to its roster, so the
		// signal is sent directly rather than relayed over a control
		// link (direct mode and dispatcher=process daemons are
		// reached through the host session instead; see
		// internal/host.session.signalExit).
		p.Dispatch.SignalExit()
	}
	if p.dispatcherCancel != nil {
		p.dispatcherCancel()
	}
	if p.Listener != nil {
		_ = p.Listener.Close()
	}
	return nil
}

// Status reports a profile's listen URL. When a dispatcher is wired
// (Dispatch != nil), the connection count, queue depth, executing
// count, and the drained connect/disconnect events are folded in too;
// a profile without one reports only the listen URL here, with
// Connections left at zero (internal/host fills in the direct-mode
// count from its router).
func (r *Registry) Status(name string) (StatusReport, error) {
	r.mu.Lock()
	p, ok := r.profiles[name]
	r.mu.Unlock()
	if !ok {
		return StatusReport{}, fmt.Errorf("%w: %q", ErrNotConfigured, name)
	}

	report := StatusReport{ListenURL: p.URL.String()}

	p.mu.Lock()
	dispatch := p.Dispatch
	p.mu.Unlock()

	if dispatch == nil {
		return report, nil
	}

	st := dispatch.Status()
	report.Connections = st.Connections
	report.Queue = &QueueStats{
		Awaiting:  st.Awaiting,
		Executing: st.Executing,
		Completed: int(dispatch.Completed()),
	}
	events := make([]Event, len(st.Events))
	for i, e := range st.Events {
		events[i] = Event(e)
	}
	report.Events = events
	return report, nil
}

// SetDispatch attaches an event-loop instance to the profile, called
// by internal/host when it wires up a dispatcher=thread profile.
func (p *Profile) SetDispatch(d *dispatcher.Dispatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Dispatch = d
}

// GetDispatch returns the profile's attached dispatcher, or nil if
// none is wired (direct mode, process mode, or thread mode before
// internal/host attaches it).
func (p *Profile) GetDispatch() *dispatcher.Dispatcher {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Dispatch
}

// SetDispatcherProcess records the spawned dispatcher child's pid and
// a cancel func to stop waiting on it, for Reset to tear down.
func (p *Profile) SetDispatcherProcess(pid int, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatcherPID = pid
	p.dispatcherCancel = cancel
}

// AddDaemonPID records a launched daemon's pid for diagnostics.
func (p *Profile) AddDaemonPID(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.daemonPIDs = append(p.daemonPIDs, pid)
}

// DaemonPIDs returns the pids of daemons launched for this profile.
func (p *Profile) DaemonPIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.daemonPIDs...)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
