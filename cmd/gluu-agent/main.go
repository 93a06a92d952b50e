// Package main implements the gluu management agent. The engine copies
// this binary into every workload container and talks to it over the
// stdio of a container exec session.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gluufederation/gluu-engine/pkg/agent/runner"
)

func main() {
	var opts runner.Options
	flag.StringVar(&opts.AgentID, "id", "", "agent id announced to the engine")
	flag.DurationVar(&opts.TTL, "ttl", 0, "end the session after this long (0 for no limit)")
	flag.BoolVar(&opts.SelfDelete, "self-delete", false, "remove the agent binary on exit")
	flag.Parse()

	if opts.AgentID == "" {
		opts.AgentID, _ = os.Hostname()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runner.New(os.Stdin, os.Stdout, opts).Serve(ctx)
	stop()
	os.Exit(code)
}
