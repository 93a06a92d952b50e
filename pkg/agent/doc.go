// Package agent is the engine side of remote execution inside workload
// containers.
//
// Every workload runs a small management agent (see cmd/gluu-agent) that
// speaks the JSON-lines protocol from package protocol over the stdio of
// an exec session. The Hub registers agents, keeps their accepted keys in
// the record store and runs commands on them:
//
//	hub := agent.NewHub(store, dialer, agent.Config{}, logger, metrics)
//	if err := hub.RegisterAgent(ctx, "3f2a9c1b7d4e"); err != nil {
//		return err
//	}
//	res, err := hub.Run(ctx, "3f2a9c1b7d4e", agent.Command{Run: "service nginx start"})
//
// Commands on one agent are serialized. RunBatch keeps going after a
// failed command and reports every failure.
package agent
