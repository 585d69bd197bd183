// Package webhook verifies signed GitHub webhook deliveries and broadcasts
// merged pull requests to the subscribers registered for their repository.
package webhook

import (
	"io"
	"net/http"

	"github.com/codeGROOVE-dev/gitnotify/pkg/auth"
	"github.com/codeGROOVE-dev/gitnotify/pkg/logger"
	"github.com/codeGROOVE-dev/gitnotify/pkg/protocol"
	"github.com/codeGROOVE-dev/gitnotify/pkg/security"
)

const maxPayloadSize = 1 << 20 // 1MB

// SignatureHeader carries "sha256=<hex hmac>" over the raw body.
const SignatureHeader = "X-Hub-Signature-256"

// Broadcaster fans a message out to the subscribers of a repository.
// *srv.Registry implements it.
type Broadcaster interface {
	Broadcast(repo string, msg protocol.Message) (delivered, failed int)
}

// Response describes the HTTP reply to a webhook delivery.
type Response struct {
	Body   map[string]any
	Status int
	// Delivered is the number of subscribers the event was queued for.
	Delivered int
}

func ok() Response {
	return Response{Status: http.StatusOK, Body: map[string]any{}}
}

func fail(status int, message string) Response {
	return Response{Status: status, Body: map[string]any{"message": message}}
}

// Process handles one webhook body. It has no HTTP dependencies so it can be
// driven directly from tests or another transport.
func Process(body []byte, header http.Header, b Broadcaster, secret string) Response {
	var payload map[string]any
	if err := protocol.Unmarshal(body, &payload); err != nil {
		logger.Warn("webhook rejected: invalid JSON", logger.Fields{
			"payload_size": len(body),
			"error":        err.Error(),
		})
		return fail(http.StatusBadRequest, "invalid JSON payload")
	}

	repo := repoFullName(payload)
	if repo == "" {
		logger.Warn("webhook rejected: missing repository.full_name", logger.Fields{"payload_size": len(body)})
		return fail(http.StatusBadRequest, "missing repository.full_name")
	}

	signature := header.Get(SignatureHeader)
	if !auth.VerifySignature(body, signature, repo, secret) {
		logger.Warn("webhook rejected: signature verification failed", logger.Fields{
			"repo":             repo,
			"signature_exists": signature != "",
			"secret_set":       secret != "",
		})
		return fail(http.StatusUnauthorized, "invalid signature")
	}

	if _, isPing := payload["zen"]; isPing {
		logger.Info("webhook ping received", logger.Fields{"repo": repo})
		return ok()
	}

	pr, merged := mergedPullRequest(payload)
	if !merged {
		logger.Debug("webhook ignored: not a merged pull request", logger.Fields{
			"repo":   repo,
			"action": payload["action"],
		})
		return ok()
	}

	delivered, failed := b.Broadcast(repo, protocol.PullRequestClosed(repo, pr))
	logger.Info("merged pull request broadcast", logger.Fields{
		"repo":      repo,
		"base_ref":  protocol.BaseRef(pr),
		"number":    pr["number"],
		"delivered": delivered,
		"failed":    failed,
	})

	resp := ok()
	resp.Delivered = delivered
	return resp
}

// repoFullName returns repository.full_name, or "" when absent.
func repoFullName(payload map[string]any) string {
	repository, ok := payload["repository"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := repository["full_name"].(string) //nolint:errcheck // type assertion, not error
	return name
}

// mergedPullRequest reports whether payload is a closed-and-merged pull request event.
func mergedPullRequest(payload map[string]any) (map[string]any, bool) {
	if action, _ := payload["action"].(string); action != "closed" { //nolint:errcheck // type assertion, not error
		return nil, false
	}
	pr, ok := payload["pull_request"].(map[string]any)
	if !ok {
		return nil, false
	}
	if merged, _ := pr["merged"].(bool); !merged { //nolint:errcheck // type assertion, not error
		return nil, false
	}
	return pr, true
}

// Handler adapts Process to net/http.
type Handler struct {
	broadcaster Broadcaster
	secret      string
}

// NewHandler creates a webhook handler.
func NewHandler(b Broadcaster, secret string) *Handler {
	return &Handler{broadcaster: b, secret: secret}
}

// ServeHTTP processes one webhook delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deliveryID := r.Header.Get("X-GitHub-Delivery") //nolint:canonicalheader // GitHub webhook header
	logger.Info("webhook request received", logger.Fields{
		"method":         r.Method,
		"remote_addr":    r.RemoteAddr,
		"user_agent":     r.UserAgent(),
		"event_type":     r.Header.Get("X-GitHub-Event"), //nolint:canonicalheader // GitHub webhook header
		"delivery_id":    deliveryID,
		"content_length": r.ContentLength,
	})

	if r.Method != http.MethodPost {
		security.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Never read a body of unknown length.
	if r.ContentLength < 0 {
		logger.Warn("webhook rejected: missing Content-Length", logger.Fields{"delivery_id": deliveryID})
		security.WriteJSONError(w, http.StatusLengthRequired, "Content-Length required")
		return
	}

	if r.ContentLength > maxPayloadSize {
		logger.Warn("webhook rejected: payload too large", logger.Fields{
			"content_length": r.ContentLength,
			"max_size":       maxPayloadSize,
			"delivery_id":    deliveryID,
		})
		security.WriteJSONError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	body := make([]byte, r.ContentLength)
	if _, err := io.ReadFull(r.Body, body); err != nil {
		logger.Warn("webhook rejected: short body", logger.Fields{"delivery_id": deliveryID, "error": err.Error()})
		security.WriteJSONError(w, http.StatusBadRequest, "could not read body")
		return
	}

	resp := Process(body, r.Header, h.broadcaster, h.secret)
	security.WriteJSON(w, resp.Status, resp.Body)
}
