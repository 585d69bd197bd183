// Package protocol defines the JSON envelope exchanged between the relay server
// and its subscriber agents, plus the error taxonomy shared by both sides.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/m-mizutani/goerr/v2"
)

// Command identifies the purpose of a Message. Every message carries exactly one.
type Command string

// Commands understood by the relay protocol.
const (
	CommandNewClient         Command = "new_client"
	CommandRegister          Command = "register"
	CommandPullRequestClosed Command = "pull_request_closed"
	CommandPing              Command = "ping"
	CommandPong              Command = "pong"
)

// Status reports whether a server response succeeded.
type Status string

// Message statuses.
const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

var (
	// ErrAuthentication indicates a bad registration hash, a bad webhook signature,
	// or (on the agent side) a registration rejected by the server.
	ErrAuthentication = errors.New("authentication failed")
	// ErrMalformedInput indicates unparsable JSON or a missing required field.
	ErrMalformedInput = errors.New("malformed input")
	// ErrNotFound indicates an operation referencing an unknown connection.
	ErrNotFound = errors.New("not found")
	// ErrDelivery indicates a failed send to one subscriber during broadcast.
	ErrDelivery = errors.New("delivery failed")
)

// Message is the wire envelope. Data is always encoded as an object, never null.
type Message struct {
	Data    map[string]any `json:"data"`
	Command Command        `json:"command"`
	Status  Status         `json:"status,omitempty"`
}

// NewClient is the announcement sent once when a connection is accepted.
func NewClient() Message {
	return Message{Command: CommandNewClient, Status: StatusOK, Data: map[string]any{}}
}

// Register builds the agent's registration request.
func Register(repo, hash string) Message {
	return Message{
		Command: CommandRegister,
		Data: map[string]any{
			"repo": repo,
			"hash": hash,
		},
	}
}

// RegisterOK acknowledges a successful registration.
func RegisterOK() Message {
	return Message{Command: CommandRegister, Status: StatusOK, Data: map[string]any{}}
}

// RegisterError rejects a registration (or any message sent before one).
func RegisterError(message string) Message {
	return Message{
		Command: CommandRegister,
		Status:  StatusError,
		Data:    map[string]any{"message": message},
	}
}

// PullRequestClosed carries a merged pull request to a subscriber.
// The pull request object is forwarded verbatim from the webhook payload.
func PullRequestClosed(repo string, pullRequest map[string]any) Message {
	return Message{
		Command: CommandPullRequestClosed,
		Status:  StatusOK,
		Data: map[string]any{
			"repo":         repo,
			"pull_request": pullRequest,
		},
	}
}

// Ping is the server keepalive.
func Ping(seq int64) Message {
	return Message{Command: CommandPing, Status: StatusOK, Data: map[string]any{"seq": seq}}
}

// Pong answers a Ping, echoing its sequence number when present.
func Pong(seq any) Message {
	data := map[string]any{}
	if seq != nil {
		data["seq"] = seq
	}
	return Message{Command: CommandPong, Data: data}
}

// Unmarshal decodes one JSON value from raw into v. Numbers are kept as
// json.Number so that ids beyond float64 precision survive re-encoding.
// Trailing data after the value is malformed.
func Unmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return goerr.Wrap(ErrMalformedInput, "invalid JSON", goerr.V("cause", err.Error()))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return goerr.Wrap(ErrMalformedInput, "trailing data after JSON value")
	}
	return nil
}

// Decode parses a raw frame. A frame that is not a JSON object or that lacks
// a command is malformed.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	if msg.Command == "" {
		return Message{}, goerr.Wrap(ErrMalformedInput, "missing command")
	}
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}
	return msg, nil
}

// Encode renders a message as a JSON frame.
func Encode(msg Message) ([]byte, error) {
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to encode message", goerr.V("command", msg.Command))
	}
	return b, nil
}

// String returns a string field from Data, or "" when absent or not a string.
func (m Message) String(key string) string {
	s, _ := m.Data[key].(string) //nolint:errcheck // type assertion, not error
	return s
}

// ParseRegister extracts the repository and hash from a register request.
func ParseRegister(m Message) (repo, hash string, err error) {
	if m.Command != CommandRegister {
		return "", "", goerr.Wrap(ErrMalformedInput, "not a register message", goerr.V("command", m.Command))
	}
	repo = m.String("repo")
	hash = m.String("hash")
	if repo == "" || hash == "" {
		return "", "", goerr.Wrap(ErrMalformedInput, "register requires repo and hash")
	}
	return repo, hash, nil
}

// PullRequest returns the pull request object carried by a pull_request_closed message.
func (m Message) PullRequest() (map[string]any, bool) {
	pr, ok := m.Data["pull_request"].(map[string]any)
	return pr, ok
}

// BaseRef returns pull_request.base.ref, the branch the pull request was merged into.
func BaseRef(pullRequest map[string]any) string {
	base, ok := pullRequest["base"].(map[string]any)
	if !ok {
		return ""
	}
	ref, _ := base["ref"].(string) //nolint:errcheck // type assertion, not error
	return ref
}
