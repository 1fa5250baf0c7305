// Command taskmesh-dispatcher is the separate-process dispatcher spec
// §4.1 calls "dispatcher=process": spawned by internal/host's
// spawnDispatcher, it dials back into the host's control URL, binds its own
// daemon-facing listener, and runs the dispatcher event loop between
// them until the control connection drops.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"icc.tech/taskmesh/internal/config"
	"icc.tech/taskmesh/internal/dispatcher"
	"icc.tech/taskmesh/internal/log"
	"icc.tech/taskmesh/internal/transport"
)

func main() {
	var (
		controlURL = flag.String("control-url", "", "url to dial back into the host's control listener")
		daemonURL  = flag.String("daemon-url", "", "url to bind for daemon connections")
		retry      = flag.Bool("retry", false, "requeue a daemon's in-flight task on disconnect instead of replying connection_reset")
	)
	flag.Parse()

	if *controlURL == "" || *daemonURL == "" {
		fmt.Fprintln(os.Stderr, "taskmesh-dispatcher: --control-url and --daemon-url are required")
		os.Exit(2)
	}

	if _, err := log.Init(config.LogConfig{Level: "info", Format: "text"}); err != nil {
		fmt.Fprintf(os.Stderr, "taskmesh-dispatcher: init logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(*controlURL, *daemonURL, *retry); err != nil {
		fmt.Fprintf(os.Stderr, "taskmesh-dispatcher: %v\n", err)
		os.Exit(1)
	}
}

// run binds the daemon-facing listener, dials the host's control
// listener, and serves both until the control connection ends — which
// is fatal to the whole profile (spec §7), so this process exits as
// soon as it does.
func run(controlURL, daemonURL string, retry bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cu, err := transport.Parse(controlURL)
	if err != nil {
		return fmt.Errorf("parse control url: %w", err)
	}
	du, err := transport.Parse(daemonURL)
	if err != nil {
		return fmt.Errorf("parse daemon url: %w", err)
	}

	daemonListener, err := transport.Listen(du, nil)
	if err != nil {
		return fmt.Errorf("bind daemon listener %s: %w", daemonURL, err)
	}
	defer daemonListener.Close()

	controlConn, err := transport.Dial(ctx, cu, nil)
	if err != nil {
		return fmt.Errorf("dial control url %s: %w", controlURL, err)
	}
	defer controlConn.Close()

	d := dispatcher.New("dispatcher", retry, 64)

	loopCtx, loopCancel := context.WithCancel(ctx)
	defer loopCancel()

	go daemonListener.Serve(loopCtx, func(handleCtx context.Context, conn net.Conn) {
		link := dispatcher.NewConnLink(conn)
		connID := d.Connect(link, 0)
		dispatcher.RunReader(d, connID, link, handleCtx.Done())
	})

	return dispatcher.ServeHostConn(d, controlConn)
}
