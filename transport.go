package kvik

import "context"

// Transport is the pluggable link-level port the client speaks through: a
// wireless broadcast medium with channels, a point-to-point radio link, a
// serial bus, or a test loopback. Implementations are external to this
// package; the client only depends on this interface.
type Transport interface {
	// Send delivers one prepared message. It may block briefly. An *Error
	// is forwarded to the caller unchanged; any other error is wrapped as the
	// Parent of a CodeGenericFailure *Error. Transports should return
	// *Error{Code: CodeInvalidSize} for oversized messages.
	Send(ctx context.Context, msg LocalMsg) error

	// Channels enumerates the transport's channel set. An empty result means
	// the transport has no channel concept and SetChannel must not be
	// called.
	Channels() []uint16

	// SetChannel switches the transport to channel ch. It returns
	// *Error{Code: CodeNotSupported} if the transport advertises no
	// channels, *Error{Code: CodeInvalidArg} for an out-of-range channel.
	SetChannel(ch uint16) error

	// SetRecvCallback registers the function the transport invokes for each
	// inbound message, delivered on the transport's own goroutine(s). A nil
	// callback deregisters it. The client installs its dispatcher here in
	// New and clears it in Close.
	SetRecvCallback(cb func(LocalMsg))
}
