// Package agent implements the subscriber side of the relay: a WebSocket
// client that registers for one repository, keeps the connection alive with
// automatic reconnection, and restarts a local process whenever a pull
// request is merged into the watched branch.
//
// The agent handles:
//   - Reconnection with capped exponential backoff
//   - The registration handshake, repeated on every connection
//   - Answering server pings
//   - Branch filtering of merge notifications
//
// Basic usage:
//
//	proc, err := supervisor.New(supervisor.Config{Command: "./serve"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	a, err := agent.New(agent.Config{
//	    ServerURL: "ws://relay.example.com:9001",
//	    Repo:      "org/repo",
//	    Branch:    "main",
//	    Secret:    os.Getenv("GIT_NOTIFY_PASSWORD"),
//	    Process:   proc,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Blocks until ctx is done or the server rejects the registration.
//	if err := a.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// A rejected registration is the only error that stops the agent; it wraps
// protocol.ErrAuthentication. Every transport failure is retried.
package agent
