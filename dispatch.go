package dialpool

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/http/httpguts"
)

// HeaderField is a single request header line. Order is preserved on
// the wire.
type HeaderField struct {
	Name  string
	Value string
}

// Handler is the capability set that receives lifecycle callbacks for a
// single dispatched request. OnComplete and OnError are terminal and the
// transport invokes exactly one of them, exactly once. OnHeaders and
// OnData belong to the response path, which is owned by the layer above;
// they are part of the contract so a single handler object can travel
// through both layers.
type Handler interface {
	// OnConnect is invoked once a pool member has claimed the request
	// and its socket is ready. The supplied abort func fails the
	// request and destroys the member's connection.
	OnConnect(abort func(error))
	// OnHeaders delivers response status and headers. Returning false
	// pauses reading until resume is called.
	OnHeaders(status int, headers []HeaderField, resume func()) bool
	// OnData delivers a chunk of response body. Returning false
	// requests backpressure.
	OnData(chunk []byte) bool
	// OnComplete reports successful completion with any trailers.
	OnComplete(trailers []HeaderField)
	// OnBodySent is invoked after each request body chunk reaches the
	// socket.
	OnBodySent(chunk []byte)
	// OnError reports terminal failure.
	OnError(err error)
}

// DispatchOptions describes a single request to dispatch.
type DispatchOptions struct {
	// Origin is the scheme://host[:port] of the true destination.
	Origin string
	Method string
	Path   string
	// Headers are written verbatim, in order. Host, Content-Length and
	// Transfer-Encoding are owned by the transport and must not appear
	// here.
	Headers []HeaderField
	// Body is the request body source. nil means no body.
	Body io.Reader
	// ContentLength declares the body length. -1 means unknown, which
	// selects chunked encoding. Ignored when Body is nil.
	ContentLength int64
	// ExpectsPayload marks methods that usually carry a body; a
	// bodyless request with ExpectsPayload set is framed with an
	// explicit "content-length: 0".
	ExpectsPayload bool
	// Context carries the abort signal. Observing it done at any
	// suspension point fails the handler and destroys the claimed
	// connection.
	Context context.Context
}

// DispatchRequest pairs DispatchOptions with its Handler for the time
// the request is owned by the queue, a pool member or the framer.
type DispatchRequest struct {
	opts    DispatchOptions
	handler Handler
	ctx     context.Context

	terminal sync.Once
}

func newDispatchRequest(opts DispatchOptions, handler Handler) (*DispatchRequest, error) {
	if handler == nil {
		return nil, errors.New("dialpool: nil handler")
	}
	if !validMethod(opts.Method) {
		return nil, errors.New("dialpool: invalid method " + strings.TrimSpace(opts.Method))
	}
	for _, f := range opts.Headers {
		if !httpguts.ValidHeaderFieldName(f.Name) || !httpguts.ValidHeaderFieldValue(f.Value) {
			return nil, errors.New("dialpool: invalid header field " + f.Name)
		}
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Body == nil {
		opts.ContentLength = 0
	}
	return &DispatchRequest{opts: opts, handler: handler, ctx: ctx}, nil
}

// succeed delivers the terminal OnComplete callback, at most once.
func (r *DispatchRequest) succeed(trailers []HeaderField) {
	r.terminal.Do(func() { r.handler.OnComplete(trailers) })
}

// fail delivers the terminal OnError callback, at most once.
func (r *DispatchRequest) fail(err error) {
	r.terminal.Do(func() { r.handler.OnError(err) })
}

// aborted reports whether the request's abort signal has fired.
func (r *DispatchRequest) aborted() bool {
	select {
	case <-r.ctx.Done():
		return true
	default:
		return false
	}
}

func isNotToken(r rune) bool {
	return !httpguts.IsTokenRune(r)
}

func validMethod(method string) bool {
	return len(method) > 0 && strings.IndexFunc(method, isNotToken) == -1
}
