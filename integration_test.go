package gitnotify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/gitnotify/pkg/agent"
	"github.com/codeGROOVE-dev/gitnotify/pkg/auth"
	"github.com/codeGROOVE-dev/gitnotify/pkg/security"
	"github.com/codeGROOVE-dev/gitnotify/pkg/srv"
	"github.com/codeGROOVE-dev/gitnotify/pkg/supervisor"
	"github.com/codeGROOVE-dev/gitnotify/pkg/webhook"
)

// TestWebhookRestartsAgentProcess runs the whole relay: a signed merge webhook
// passes the middleware, reaches the agent watching main, and restarts its
// real child process, while an agent watching another branch is left alone.
func TestWebhookRestartsAgentProcess(t *testing.T) {
	const (
		secret = "integration-secret"
		repo   = "owner/repo"
	)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := srv.NewRegistry()
	rateLimiter := security.NewRateLimiter(100, time.Minute)
	defer rateLimiter.Stop()
	connLimiter := security.NewConnectionLimiter(10, 100)
	defer connLimiter.Stop()

	wsServer := httptest.NewServer(srv.NewWebSocketHandler(registry, connLimiter, secret).Server())
	defer wsServer.Close()
	hookServer := httptest.NewServer(security.Middleware(rateLimiter, nil, false)(webhook.NewHandler(registry, secret)))
	defer hookServer.Close()

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type watcher struct {
		proc     *supervisor.Supervisor
		log      string
		events   chan agent.Event
		finished chan error
	}
	startWatcher := func(branch string) *watcher {
		w := &watcher{
			log:      filepath.Join(dir, branch+".log"),
			events:   make(chan agent.Event, 4),
			finished: make(chan error, 1),
		}
		// Each start appends a line, so the file counts process generations.
		proc, err := supervisor.New(supervisor.Config{
			Command:     "echo started >> " + w.log + "; exec sleep 30",
			GracePeriod: time.Second,
			Logger:      quiet,
		})
		if err != nil {
			t.Fatal(err)
		}
		w.proc = proc

		registered := make(chan struct{}, 1)
		a, err := agent.New(agent.Config{
			Logger:     quiet,
			ServerURL:  "ws" + strings.TrimPrefix(wsServer.URL, "http"),
			Repo:       repo,
			Branch:     branch,
			Secret:     secret,
			Process:    proc,
			MaxBackoff: 50 * time.Millisecond,
			OnRegistered: func() {
				select {
				case registered <- struct{}{}:
				default:
				}
			},
			OnEvent: func(e agent.Event) { w.events <- e },
		})
		if err != nil {
			t.Fatal(err)
		}
		go func() { w.finished <- a.Run(ctx) }()

		select {
		case <-registered:
		case <-time.After(5 * time.Second):
			t.Fatalf("agent for %s did not register", branch)
		}
		return w
	}

	mainWatcher := startWatcher("main")
	releaseWatcher := startWatcher("release")

	deadline := time.Now().Add(2 * time.Second)
	for len(registry.FindByRepo(repo)) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(registry.FindByRepo(repo)); got != 2 {
		t.Fatalf("registered subscribers = %d, want 2", got)
	}

	releasePID := releaseWatcher.proc.PID()

	body, err := json.Marshal(map[string]any{
		"action":     "closed",
		"repository": map[string]any{"full_name": repo},
		"pull_request": map[string]any{
			"number": 123,
			"merged": true,
			"base":   map[string]any{"ref": "main"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hookServer.URL, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "pull_request") //nolint:canonicalheader // GitHub webhook header
	req.Header.Set(webhook.SignatureHeader, auth.SignForRepo(repo, secret, body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}

	for _, w := range []*watcher{mainWatcher, releaseWatcher} {
		select {
		case e := <-w.events:
			if e.Branch != "main" {
				t.Errorf("event branch = %q", e.Branch)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("merge event was not delivered to every subscriber")
		}
	}

	if got := mainWatcher.proc.Restarts(); got != 1 {
		t.Errorf("main watcher restarts = %d, want 1", got)
	}
	if got := releaseWatcher.proc.Restarts(); got != 0 || releaseWatcher.proc.PID() != releasePID {
		t.Errorf("release watcher was touched: restarts = %d, pid %d -> %d", got, releasePID, releaseWatcher.proc.PID())
	}

	waitForLines(t, mainWatcher.log, 2)
	waitForLines(t, releaseWatcher.log, 1)

	cancel()
	for _, w := range []*watcher{mainWatcher, releaseWatcher} {
		select {
		case err := <-w.finished:
			if err != nil {
				t.Errorf("Run() = %v, want nil after cancel", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("agent did not stop")
		}
		if w.proc.State() != supervisor.Idle {
			t.Errorf("process state after shutdown = %v", w.proc.State())
		}
	}
}

func waitForLines(t *testing.T, path string, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var got int
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(path)
		if err == nil {
			got = strings.Count(string(b), "\n")
			if got == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("%s has %d lines, want %d", filepath.Base(path), got, want)
}
