// Package protocol defines the wire format spoken between launchers and the
// relay daemon over a local socket.
//
// Every message is a length-prefixed frame: a fixed binary header (magic,
// protocol version, message type, payload length) followed by a field-tagged
// JSON payload. Tagged payloads let either side add fields without breaking
// peers built from a different version; the version numbers in the header and
// payload exist so incompatible revisions fail with a structured error
// instead of silent misbehavior.
//
// One connection carries exactly one request and one response. Concurrency is
// achieved with multiple connections, never multiple streams per connection.
package protocol
