// Package pkg groups the components of the MCP gateway.
//
// The gateway accepts client sessions on one HTTP listener and relays each
// session to a backend tool server named in the registry document. Backends
// are reached as child processes, over a WebSocket stream, or with one HTTP
// request per message. The tools of every backend are merged into a single
// catalog under per-backend prefixes.
//
// # Packages
//
//   - config: loads the registry document (YAML, TOML or JSON) and watches it for changes.
//   - registry: backend descriptors, validation and the atomically replaced snapshot.
//   - transport: the adapters that open conversations with backends.
//   - session: client sessions, request correlation and deadlines.
//   - router: path resolution, admission and the aggregated catalog.
//   - health: periodic backend probes.
//   - auth: bearer credential checks.
//   - gateway: the client-facing endpoints and the wiring of everything above.
//   - errors, logging, observability: shared error taxonomy, logs, metrics and traces.
//
// # Running a gateway
//
//	doc, err := config.Load("gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	gw, err := gateway.New(doc, gateway.WithConfigPath("gateway.yaml"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := gw.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// The mcp-gateway command wraps the same steps.
package pkg
