package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"relay/internal/invoke"
)

// Request kinds. Completion queries travel the same channel as command
// executions and differ only in the shape of their result.
const (
	KindExec     = "exec"
	KindComplete = "complete"
	KindPing     = "ping"
)

// Error kinds reported in a Response when execution failed before producing a
// normal result. Launchers treat any of these as "daemon unusable, fall back"
// except where noted.
const (
	ErrorKindProtocolMismatch = "protocol_mismatch"
	ErrorKindMalformedRequest = "malformed_request"
	ErrorKindOverloaded       = "overloaded"
	ErrorKindInternal         = "internal"
)

// Request is the payload a launcher sends for one invocation. Exactly one
// Response (or a connection-level failure) answers it.
type Request struct {
	Kind            string            `json:"kind"`
	Argv            []string          `json:"argv"`
	Cwd             string            `json:"cwd"`
	Env             map[string]string `json:"env"`
	Stdin           []byte            `json:"stdin,omitempty"`
	RequestID       string            `json:"request_id"`
	ProtocolVersion uint16            `json:"protocol_version"`
}

// Response carries the captured result of one invocation. The daemon closes
// the connection after writing it.
type Response struct {
	Stdout          []byte   `json:"stdout,omitempty"`
	Stderr          []byte   `json:"stderr,omitempty"`
	ExitCode        int      `json:"exit_code"`
	Candidates      []string `json:"candidates,omitempty"`
	ProtocolVersion uint16   `json:"protocol_version"`
	ErrorKind       string   `json:"error_kind,omitempty"`
	ErrorMessage    string   `json:"error_message,omitempty"`
}

// NewRequest builds an exec request from an invocation context.
func NewRequest(kind, requestID string, ctx invoke.Context) Request {
	return Request{
		Kind:            kind,
		Argv:            ctx.Argv,
		Cwd:             ctx.Dir,
		Env:             ctx.Env,
		Stdin:           ctx.Stdin,
		RequestID:       requestID,
		ProtocolVersion: Version,
	}
}

// InvokeContext converts the request back into an invocation context.
func (r Request) InvokeContext() invoke.Context {
	return invoke.Context{
		Argv:  r.Argv,
		Dir:   r.Cwd,
		Env:   r.Env,
		Stdin: r.Stdin,
	}
}

// NewResponse builds a success response from an invocation result.
func NewResponse(res invoke.Result) Response {
	return Response{
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		Candidates:      res.Candidates,
		ProtocolVersion: Version,
	}
}

// Result converts the response back into an invocation result.
func (r Response) Result() invoke.Result {
	return invoke.Result{
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		ExitCode:   r.ExitCode,
		Candidates: r.Candidates,
	}
}

// ErrorResponse builds a failure response of the given kind.
func ErrorResponse(kind, message string) Response {
	return Response{
		ExitCode:        1,
		ProtocolVersion: Version,
		ErrorKind:       kind,
		ErrorMessage:    message,
	}
}

// WriteRequest frames and writes a request.
func WriteRequest(w io.Writer, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("protocol: encode request: %w", err)
	}
	return WriteFrame(w, TypeRequest, payload)
}

// ReadRequest reads one framed request. The frame header is returned so the
// caller can detect version skew even when the JSON payload parses.
func ReadRequest(r io.Reader) (Header, Request, error) {
	h, payload, err := ReadFrame(r)
	if err != nil {
		return Header{}, Request{}, err
	}
	if h.Type != TypeRequest {
		return h, Request{}, fmt.Errorf("protocol: expected request frame, got type %d", h.Type)
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return h, Request{}, fmt.Errorf("protocol: decode request: %w", err)
	}
	return h, req, nil
}

// WriteResponse frames and writes a response.
func WriteResponse(w io.Writer, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("protocol: encode response: %w", err)
	}
	return WriteFrame(w, TypeResponse, payload)
}

// ReadResponse reads one framed response.
func ReadResponse(r io.Reader) (Response, error) {
	h, payload, err := ReadFrame(r)
	if err != nil {
		return Response{}, err
	}
	if h.Type != TypeResponse {
		return Response{}, fmt.Errorf("protocol: expected response frame, got type %d", h.Type)
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("protocol: decode response: %w", err)
	}
	return resp, nil
}
