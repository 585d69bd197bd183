package srv

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/gitnotify/pkg/auth"
	"github.com/codeGROOVE-dev/gitnotify/pkg/logger"
	"github.com/codeGROOVE-dev/gitnotify/pkg/protocol"
	"github.com/codeGROOVE-dev/gitnotify/pkg/security"
)

// Constants for WebSocket timeouts.
const (
	pingInterval = 54 * time.Second
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
)

// Messages returned to subscribers in register errors. Kept short and fixed.
const (
	msgInvalidPassword      = "Invalid password"
	msgRegistrationRequired = "Registration required"
	msgMalformedMessage     = "Malformed message"
	msgAlreadyRegistered    = "Already registered"
)

// WebSocketHandler accepts subscriber connections and runs the registration handshake.
type WebSocketHandler struct {
	registry     *Registry
	connLimiter  *security.ConnectionLimiter
	clientIP     func(*http.Request) string
	secret       string
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewWebSocketHandler creates a handler backed by registry. connLimiter may be nil.
func NewWebSocketHandler(registry *Registry, connLimiter *security.ConnectionLimiter, secret string) *WebSocketHandler {
	return &WebSocketHandler{
		registry:     registry,
		connLimiter:  connLimiter,
		clientIP:     security.ClientIP,
		secret:       secret,
		pingInterval: pingInterval,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// TrustProxy keys the connection limit on the X-Forwarded-For address set by a
// fronting reverse proxy instead of the peer address.
func (h *WebSocketHandler) TrustProxy(trust bool) {
	h.clientIP = security.ClientIPFunc(trust)
}

// Server wraps Handle in a websocket.Server. Subscribers are not browsers, so
// the Origin check is skipped.
func (h *WebSocketHandler) Server() http.Handler {
	return websocket.Server{
		Handler:   websocket.Handler(h.Handle),
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
	}
}

// connState is the per-connection handshake state.
type connState struct {
	client     *Client
	ws         *websocket.Conn
	ip         string
	registered bool
}

// Handle serves one subscriber connection until it closes.
func (h *WebSocketHandler) Handle(ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	ip := h.clientIP(ws.Request())

	if h.connLimiter != nil {
		if !h.connLimiter.Add(ip) {
			logger.Warn("connection limit exceeded", logger.Fields{"ip": ip})
			if err := ws.Close(); err != nil {
				logger.Debug("websocket close", logger.Fields{"ip": ip, "error": err.Error()})
			}
			return
		}
		defer h.connLimiter.Remove(ip)
	}

	client := NewClient(uuid.NewString(), ws)
	if err := h.registry.Add(client.ID, client); err != nil {
		logger.Error("failed to add connection", err, logger.Fields{"ip": ip})
		client.Close()
		return
	}
	defer func() {
		client.Close()
		h.registry.Remove(client.ID)
		logger.Info("WebSocket disconnected", logger.Fields{"ip": ip, "client_id": client.ID})
	}()

	logger.Info("WebSocket connection established", logger.Fields{"ip": ip, "client_id": client.ID})

	// Queued before the writer starts, so it is always the first frame.
	if err := client.Send(protocol.NewClient()); err != nil {
		logger.Error("failed to queue new_client announcement", err, logger.Fields{"client_id": client.ID})
		return
	}
	go client.Run(ctx, h.pingInterval, h.writeTimeout)

	st := &connState{client: client, ws: ws, ip: ip}
	for {
		var raw []byte
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			logger.Debug("read loop ended", logger.Fields{"client_id": client.ID, "error": err.Error()})
			return
		}
		if st.registered {
			if err := ws.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil {
				logger.Warn("failed to reset read deadline", logger.Fields{"client_id": client.ID, "error": err.Error()})
				return
			}
		}
		h.handleFrame(st, raw)
	}
}

// handleFrame applies one inbound frame to the connection state. Protocol
// violations are answered, never fatal to the connection.
func (h *WebSocketHandler) handleFrame(st *connState, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		logger.Warn("malformed message from subscriber", logger.Fields{
			"client_id": st.client.ID,
			"ip":        st.ip,
			"error":     err.Error(),
		})
		if !st.registered {
			h.reply(st, protocol.RegisterError(msgMalformedMessage))
		}
		return
	}

	if st.registered {
		switch msg.Command {
		case protocol.CommandPong:
			// Read deadline was already extended.
		case protocol.CommandRegister:
			h.reply(st, protocol.RegisterError(msgAlreadyRegistered))
		default:
			logger.Debug("ignoring message from registered subscriber", logger.Fields{
				"client_id": st.client.ID,
				"command":   string(msg.Command),
			})
		}
		return
	}

	if msg.Command != protocol.CommandRegister {
		logger.Warn("message before registration", logger.Fields{
			"client_id": st.client.ID,
			"command":   string(msg.Command),
		})
		h.reply(st, protocol.RegisterError(msgRegistrationRequired))
		return
	}

	repo, hash, err := protocol.ParseRegister(msg)
	if err != nil {
		logger.Warn("malformed register request", logger.Fields{"client_id": st.client.ID, "error": err.Error()})
		h.reply(st, protocol.RegisterError(msgMalformedMessage))
		return
	}

	if !auth.VerifyToken(repo, h.secret, hash) {
		logger.Warn("registration rejected: invalid hash", logger.Fields{
			"client_id": st.client.ID,
			"ip":        st.ip,
			"repo":      repo,
		})
		h.reply(st, protocol.RegisterError(msgInvalidPassword))
		return
	}

	// The ack is queued before the subscriber becomes visible to broadcasts,
	// so it always precedes the first pull_request_closed on this connection.
	if err := st.client.Send(protocol.RegisterOK()); err != nil {
		logger.Warn("failed to queue register ack", logger.Fields{"client_id": st.client.ID, "error": err.Error()})
		return
	}
	if err := h.registry.MarkRegistered(st.client.ID, repo); err != nil {
		// Only ErrNotFound is possible here: the entry raced with a close.
		logger.Warn("register for unknown connection", logger.Fields{"client_id": st.client.ID, "error": err.Error()})
		return
	}

	st.registered = true
	st.client.StartKeepalive()
	if err := st.ws.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil {
		logger.Warn("failed to set read deadline", logger.Fields{"client_id": st.client.ID, "error": err.Error()})
	}

	logger.Info("CLIENT REGISTERED", logger.Fields{
		"client_id": st.client.ID,
		"ip":        st.ip,
		"repo":      repo,
	})
}

func (h *WebSocketHandler) reply(st *connState, msg protocol.Message) {
	if err := st.client.Send(msg); err != nil {
		logger.Warn("failed to queue reply", logger.Fields{
			"client_id": st.client.ID,
			"command":   string(msg.Command),
			"error":     err.Error(),
		})
	}
}
