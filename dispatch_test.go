package dialpool

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler collects lifecycle callbacks for assertions.
type recordingHandler struct {
	mu        sync.Mutex
	connects  int
	abort     func(error)
	sent      []byte
	completes int
	trailers  []HeaderField
	errs      []error
	done      chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 2)}
}

func (h *recordingHandler) OnConnect(abort func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
	h.abort = abort
}

func (h *recordingHandler) OnHeaders(status int, headers []HeaderField, resume func()) bool {
	return true
}

func (h *recordingHandler) OnData(chunk []byte) bool { return true }

func (h *recordingHandler) OnComplete(trailers []HeaderField) {
	h.mu.Lock()
	h.completes++
	h.trailers = trailers
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *recordingHandler) OnBodySent(chunk []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, chunk...)
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-testTimeout(t):
		t.Fatal("no terminal callback")
	}
}

func (h *recordingHandler) lastErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errs) == 0 {
		return nil
	}
	return h.errs[len(h.errs)-1]
}

func (h *recordingHandler) sentBody() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.sent...)
}

func (h *recordingHandler) counts() (completes, errors int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completes, len(h.errs)
}

func TestNewDispatchRequestValidation(t *testing.T) {
	h := newRecordingHandler()

	_, err := newDispatchRequest(DispatchOptions{Method: "GET"}, nil)
	assert.ErrorContains(t, err, "nil handler")

	_, err = newDispatchRequest(DispatchOptions{Method: ""}, h)
	assert.ErrorContains(t, err, "invalid method")

	_, err = newDispatchRequest(DispatchOptions{Method: "GET PROFILE"}, h)
	assert.ErrorContains(t, err, "invalid method")

	_, err = newDispatchRequest(DispatchOptions{
		Method:  "GET",
		Headers: []HeaderField{{Name: "x:y", Value: "v"}},
	}, h)
	assert.ErrorContains(t, err, "invalid header field")

	_, err = newDispatchRequest(DispatchOptions{
		Method:  "GET",
		Headers: []HeaderField{{Name: "x-ok", Value: "bad\r\nvalue"}},
	}, h)
	assert.ErrorContains(t, err, "invalid header field")

	req, err := newDispatchRequest(DispatchOptions{
		Method:  "POST",
		Path:    "/upload",
		Headers: []HeaderField{{Name: "x-ok", Value: "v"}},
		Body:    strings.NewReader("data"),
	}, h)
	require.NoError(t, err)
	assert.NotNil(t, req.ctx)
}

func TestDispatchRequestTerminalOnce(t *testing.T) {
	h := newRecordingHandler()
	req, err := newDispatchRequest(DispatchOptions{Method: "GET"}, h)
	require.NoError(t, err)

	req.fail(ErrRequestAborted)
	req.succeed(nil)
	req.fail(ErrPoolClosed)

	completes, errors := h.counts()
	assert.Equal(t, 0, completes)
	assert.Equal(t, 1, errors)
	assert.ErrorIs(t, h.lastErr(), ErrRequestAborted)
}

func TestDispatchRequestAborted(t *testing.T) {
	h := newRecordingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := newDispatchRequest(DispatchOptions{Method: "GET", Context: ctx}, h)
	require.NoError(t, err)
	assert.False(t, req.aborted())
	cancel()
	assert.True(t, req.aborted())
}

func TestDispatchRequestNilBodyClearsLength(t *testing.T) {
	h := newRecordingHandler()
	req, err := newDispatchRequest(DispatchOptions{Method: "GET", ContentLength: 42}, h)
	require.NoError(t, err)
	assert.Equal(t, int64(0), req.opts.ContentLength)
}
