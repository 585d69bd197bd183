package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/gitnotify/pkg/auth"
	"github.com/codeGROOVE-dev/gitnotify/pkg/protocol"
)

const (
	// DefaultBranch is watched when Config.Branch is empty.
	DefaultBranch = "main"
	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 10 * time.Second

	separatorLine = "!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!"

	// Longer than the server's 54s ping interval so a healthy idle
	// connection never times out.
	readTimeout  = 90 * time.Second
	writeTimeout = 5 * time.Second
	dialTimeout  = 10 * time.Second
)

// Process is the child the agent restarts on a matching merge.
// *supervisor.Supervisor implements it.
type Process interface {
	Start() error
	Restart() error
	Stop() error
}

// Event describes one pull_request_closed notification.
type Event struct {
	PullRequest map[string]any
	Repo        string
	Branch      string
	Restarted   bool
}

// Config holds the configuration for the agent.
type Config struct {
	Logger       *slog.Logger
	Process      Process
	OnConnect    func()
	OnRegistered func()
	OnDisconnect func(error)
	OnEvent      func(Event)
	ServerURL    string
	Repo         string
	Branch       string
	Secret       string
	MaxBackoff   time.Duration
	ReadTimeout  time.Duration
}

// Agent keeps one connection to the relay server and restarts its process
// when a pull request merges into the watched branch.
type Agent struct {
	logger  *slog.Logger
	fatal   error
	config  Config
	mu      sync.Mutex
	retries uint
	events  int
}

// New creates an agent.
func New(config Config) (*Agent, error) {
	if config.ServerURL == "" {
		return nil, goerr.New("server URL is required")
	}
	if !strings.HasPrefix(config.ServerURL, "ws://") && !strings.HasPrefix(config.ServerURL, "wss://") {
		return nil, goerr.New("server URL must use ws:// or wss://", goerr.V("url", config.ServerURL))
	}
	if config.Repo == "" {
		return nil, goerr.New("repository is required")
	}
	if config.Process == nil {
		return nil, goerr.New("process is required")
	}

	if config.Branch == "" {
		config.Branch = DefaultBranch
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = readTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Agent{config: config, logger: logger}, nil
}

// Run starts the process and stays connected until ctx is done or the server
// rejects registration. The process is stopped before Run returns. Only a
// rejected registration produces an error wrapping protocol.ErrAuthentication;
// cancellation returns nil.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.config.Process.Start(); err != nil {
		return goerr.Wrap(err, "failed to start process")
	}
	defer func() {
		if err := a.config.Process.Stop(); err != nil {
			a.logger.Error("Failed to stop process", "error", err)
		}
	}()

	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.UntilSucceeded(),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(a.config.MaxBackoff),
		// n counts every failed connection since Run started, matching the
		// backoff the library applies.
		retry.OnRetry(func(n uint, err error) {
			a.mu.Lock()
			a.retries = n + 1
			events := a.events
			a.mu.Unlock()

			a.logger.Warn(separatorLine)
			a.logger.Warn("Connection LOST, will reconnect", "error", err, "events_received", events, "attempt", n+1)
			a.logger.Warn(separatorLine)

			if a.config.OnDisconnect != nil {
				a.config.OnDisconnect(err)
			}
		}),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, protocol.ErrAuthentication)
		}),
	}

	err := retry.Do(func() error {
		select {
		case <-ctx.Done():
			a.logger.Info("Agent context cancelled, shutting down")
			return retry.Unrecoverable(ctx.Err())
		default:
		}

		a.mu.Lock()
		n := a.retries
		a.mu.Unlock()
		if n == 0 {
			a.logger.Info("CONNECTING to relay server", "url", a.config.ServerURL)
		} else {
			a.logger.Info("RECONNECTING to relay server", "url", a.config.ServerURL, "attempt", n)
		}

		return a.connect(ctx)
	}, retryOpts...)

	a.mu.Lock()
	fatal := a.fatal
	a.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Events returns the number of pull_request_closed messages received.
func (a *Agent) Events() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

// connect runs one connection from dial to disconnect. It only returns nil
// when ctx is done.
func (a *Agent) connect(ctx context.Context) error {
	origin := "http://localhost/"
	if strings.HasPrefix(a.config.ServerURL, "wss://") {
		origin = "https://localhost/"
	}
	wsConfig, err := websocket.NewConfig(a.config.ServerURL, origin)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("config: %w", err))
	}
	wsConfig.Dialer = &net.Dialer{Timeout: dialTimeout}

	ws, err := websocket.DialConfig(wsConfig)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	a.logger.Info("WebSocket connection established", "url", a.config.ServerURL)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		if err := ws.Close(); err != nil {
			a.logger.Debug("WebSocket close", "error", err)
		}
	}()
	if a.config.OnConnect != nil {
		a.config.OnConnect()
	}

	for {
		if err := ws.SetReadDeadline(time.Now().Add(a.config.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		var raw []byte
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			if ctx.Err() != nil {
				return retry.Unrecoverable(ctx.Err())
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			a.logger.Warn("Ignoring malformed message from server", "error", err)
			continue
		}

		if err := a.handle(ws, msg); err != nil {
			return err
		}
	}
}

// handle applies one server message. A non-nil error ends the connection.
func (a *Agent) handle(ws *websocket.Conn, msg protocol.Message) error {
	switch msg.Command {
	case protocol.CommandNewClient:
		a.logger.Info("Registering", "repo", a.config.Repo, "branch", a.config.Branch)
		return a.send(ws, protocol.Register(a.config.Repo, auth.Token(a.config.Repo, a.config.Secret)))

	case protocol.CommandRegister:
		if msg.Status == protocol.StatusError {
			message := msg.String("message")
			a.logger.Error(separatorLine)
			a.logger.Error("REGISTRATION REJECTED BY SERVER!", "message", message, "repo", a.config.Repo)
			a.logger.Error(separatorLine)

			err := goerr.Wrap(protocol.ErrAuthentication, "registration rejected",
				goerr.V("message", message), goerr.V("repo", a.config.Repo))
			a.mu.Lock()
			a.fatal = err
			a.mu.Unlock()
			return retry.Unrecoverable(err)
		}

		a.logger.Info("✓ Registered, waiting for merges", "repo", a.config.Repo, "branch", a.config.Branch)
		if a.config.OnRegistered != nil {
			a.config.OnRegistered()
		}
		return nil

	case protocol.CommandPing:
		a.logger.Debug("[PING-PONG] Received PING from server", "seq", msg.Data["seq"])
		return a.send(ws, protocol.Pong(msg.Data["seq"]))

	case protocol.CommandPullRequestClosed:
		a.onPullRequestClosed(msg)
		return nil

	default:
		a.logger.Debug("Ignoring message", "command", msg.Command)
		return nil
	}
}

// onPullRequestClosed restarts the process when the merge targets the watched repo and branch.
func (a *Agent) onPullRequestClosed(msg protocol.Message) {
	pr, _ := msg.PullRequest() //nolint:errcheck // missing object yields an empty branch
	event := Event{
		Repo:        msg.String("repo"),
		Branch:      protocol.BaseRef(pr),
		PullRequest: pr,
	}

	a.mu.Lock()
	a.events++
	a.mu.Unlock()

	if event.Repo != a.config.Repo || event.Branch != a.config.Branch {
		a.logger.Info("Ignoring merge for another repo or branch",
			"repo", event.Repo, "branch", event.Branch,
			"watching_repo", a.config.Repo, "watching_branch", a.config.Branch)
	} else {
		a.logger.Info("Merge into watched branch, restarting process",
			"repo", event.Repo, "branch", event.Branch, "number", pr["number"])
		if err := a.config.Process.Restart(); err != nil {
			a.logger.Error("Failed to restart process", "error", err)
		} else {
			event.Restarted = true
		}
	}

	if a.config.OnEvent != nil {
		a.config.OnEvent(event)
	}
}

func (a *Agent) send(ws *websocket.Conn, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.Message.Send(ws, string(frame)); err != nil {
		return fmt.Errorf("send %s: %w", msg.Command, err)
	}
	return nil
}
