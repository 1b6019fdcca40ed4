package dialpool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is delivered to handlers of requests dispatched
	// after Close has been called.
	ErrPoolClosed = errors.New("dialpool: pool closed")

	// ErrPoolDestroyed is delivered to handlers of requests dispatched
	// after Destroy has been called.
	ErrPoolDestroyed = errors.New("dialpool: pool destroyed")

	// ErrRequestAborted is delivered when a request's abort signal
	// fires before the request completed.
	ErrRequestAborted = errors.New("dialpool: request aborted")

	// ErrSingleInFlight reports a second write phase started on a
	// member that cannot pipeline.
	ErrSingleInFlight = errors.New("dialpool: multiple requests in flight on pipeline-incapable member")
)

// transportError is a timeout-classified transport failure.
type transportError struct {
	err     string
	timeout bool
}

func (e *transportError) Error() string   { return e.err }
func (e *transportError) Timeout() bool   { return e.timeout }
func (e *transportError) Temporary() bool { return true }

var (
	// ErrConnectTimeout reports that establishing a connection (dial,
	// tunnel negotiation and TLS upgrade included) exceeded the
	// configured deadline.
	ErrConnectTimeout error = &transportError{err: "dialpool: connect timeout", timeout: true}

	// ErrHeadersTimeout reports that the header phase of a request
	// write exceeded the configured deadline.
	ErrHeadersTimeout error = &transportError{err: "dialpool: headers timeout", timeout: true}

	// ErrBodyTimeout reports that the body phase of a request write
	// exceeded the configured deadline.
	ErrBodyTimeout error = &transportError{err: "dialpool: body timeout", timeout: true}
)

// SocketError wraps a socket-level failure with the peer it occurred on.
type SocketError struct {
	Addr string
	Err  error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("dialpool: socket error on %s: %v", e.Addr, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// TunnelError reports a failed proxy tunnel negotiation. Status carries
// the HTTP CONNECT status code when the intermediary spoke HTTP, and is
// zero for SOCKS failures, whose reply code is described by Reason.
type TunnelError struct {
	Proxy  string
	Status int
	Reason string
	Err    error
}

func (e *TunnelError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dialpool: proxy %s refused tunnel: %d %s", e.Proxy, e.Status, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("dialpool: proxy %s tunnel failed: %v", e.Proxy, e.Err)
	}
	return fmt.Sprintf("dialpool: proxy %s tunnel failed: %s", e.Proxy, e.Reason)
}

func (e *TunnelError) Unwrap() error { return e.Err }

// ContentLengthMismatchError reports that the number of body bytes
// written disagrees with the declared content length.
type ContentLengthMismatchError struct {
	Declared int64
	Written  int64
}

func (e *ContentLengthMismatchError) Error() string {
	return fmt.Sprintf("dialpool: content-length mismatch: declared %d, wrote %d", e.Declared, e.Written)
}
