package dialpool

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFramer(t *testing.T, opts Options, dopts DispatchOptions, h Handler) (*RequestFramer, *bufferConn) {
	t.Helper()
	p := &Pool{opts: opts, log: &disableLogger{}}
	if opts.Logger != nil {
		p.log = opts.Logger
	}
	m := &Member{pool: p, addr: "origin.test:80"}
	req, err := newDispatchRequest(dopts, h)
	require.NoError(t, err)
	conn := &bufferConn{}
	return newRequestFramer(m, conn, req), conn
}

func splitWire(t *testing.T, wire []byte) (header string, body []byte) {
	t.Helper()
	i := bytes.Index(wire, []byte("\r\n\r\n"))
	require.GreaterOrEqual(t, i, 0, "no header terminator in %q", wire)
	return string(wire[:i+4]), wire[i+4:]
}

func dechunk(t *testing.T, b []byte) []byte {
	t.Helper()
	var out []byte
	for {
		i := bytes.Index(b, []byte("\r\n"))
		require.GreaterOrEqual(t, i, 0)
		n, err := strconv.ParseInt(string(b[:i]), 16, 64)
		require.NoError(t, err)
		b = b[i+2:]
		if n == 0 {
			require.Equal(t, "\r\n", string(b), "trailing bytes after last chunk")
			return out
		}
		require.GreaterOrEqual(t, int64(len(b)), n+2)
		out = append(out, b[:n]...)
		require.Equal(t, "\r\n", string(b[n:n+2]))
		b = b[n+2:]
	}
}

func TestFramerContentLength(t *testing.T) {
	h := newRecordingHandler()
	f, conn := newTestFramer(t, Options{}, DispatchOptions{
		Method:        "POST",
		Path:          "/upload",
		Headers:       []HeaderField{{Name: "content-type", Value: "text/plain"}},
		Body:          strings.NewReader("hello world"),
		ContentLength: 11,
	}, h)
	require.NoError(t, f.writeRequest())

	want := "POST /upload HTTP/1.1\r\n" +
		"host: origin.test:80\r\n" +
		"content-type: text/plain\r\n" +
		"content-length: 11\r\n" +
		"\r\n" +
		"hello world"
	assert.Equal(t, want, string(conn.bytes()))
	assert.Equal(t, "hello world", string(h.sentBody()))
}

func TestFramerChunked(t *testing.T) {
	h := newRecordingHandler()
	f, conn := newTestFramer(t, Options{}, DispatchOptions{
		Method:        "POST",
		Path:          "/stream",
		Body:          strings.NewReader("hello"),
		ContentLength: -1,
	}, h)
	require.NoError(t, f.writeRequest())

	want := "POST /stream HTTP/1.1\r\n" +
		"host: origin.test:80\r\n" +
		"transfer-encoding: chunked\r\n" +
		"\r\n" +
		"5\r\nhello\r\n" +
		"0\r\n\r\n"
	assert.Equal(t, want, string(conn.bytes()))
}

func TestFramerChunkedLargeBody(t *testing.T) {
	body := bytes.Repeat([]byte("x"), bodyChunkSize+904)
	h := newRecordingHandler()
	f, conn := newTestFramer(t, Options{}, DispatchOptions{
		Method:        "PUT",
		Path:          "/big",
		Body:          bytes.NewReader(body),
		ContentLength: -1,
	}, h)
	require.NoError(t, f.writeRequest())

	header, wireBody := splitWire(t, conn.bytes())
	assert.Contains(t, header, "transfer-encoding: chunked\r\n")
	assert.Equal(t, body, dechunk(t, wireBody))
	assert.Equal(t, body, h.sentBody())
}

func TestFramerStrictOverflow(t *testing.T) {
	h := newRecordingHandler()
	f, _ := newTestFramer(t, Options{}, DispatchOptions{
		Method:        "POST",
		Path:          "/",
		Body:          strings.NewReader("hello"),
		ContentLength: 3,
	}, h)
	err := f.writeRequest()
	var mismatch *ContentLengthMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(3), mismatch.Declared)
	assert.Equal(t, int64(5), mismatch.Written)
}

func TestFramerStrictShortBody(t *testing.T) {
	h := newRecordingHandler()
	f, _ := newTestFramer(t, Options{}, DispatchOptions{
		Method:        "POST",
		Path:          "/",
		Body:          strings.NewReader("hello"),
		ContentLength: 10,
	}, h)
	err := f.writeRequest()
	var mismatch *ContentLengthMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(10), mismatch.Declared)
	assert.Equal(t, int64(5), mismatch.Written)
}

func TestFramerLenientMismatch(t *testing.T) {
	log := &capturingLogger{}
	h := newRecordingHandler()
	f, conn := newTestFramer(t, Options{LenientContentLength: true, Logger: log}, DispatchOptions{
		Method:        "POST",
		Path:          "/",
		Body:          strings.NewReader("hello"),
		ContentLength: 3,
	}, h)
	require.NoError(t, f.writeRequest())

	assert.True(t, strings.HasSuffix(string(conn.bytes()), "hello"))
	warns := log.warnings()
	require.Len(t, warns, 1, "mismatch should be warned exactly once")
	assert.Contains(t, warns[0], "content-length mismatch")
}

func TestFramerBodylessExpectsPayload(t *testing.T) {
	h := newRecordingHandler()
	f, conn := newTestFramer(t, Options{}, DispatchOptions{
		Method:         "POST",
		Path:           "/create",
		ExpectsPayload: true,
	}, h)
	require.NoError(t, f.writeRequest())
	assert.True(t, strings.HasSuffix(string(conn.bytes()), "content-length: 0\r\n\r\n"))
}

func TestFramerBodylessGet(t *testing.T) {
	h := newRecordingHandler()
	f, conn := newTestFramer(t, Options{}, DispatchOptions{
		Method: "GET",
	}, h)
	require.NoError(t, f.writeRequest())

	want := "GET / HTTP/1.1\r\nhost: origin.test:80\r\n\r\n"
	assert.Equal(t, want, string(conn.bytes()))
}

func TestFramerCompressBody(t *testing.T) {
	body := strings.Repeat("compress me, I am very repetitive. ", 64)
	h := newRecordingHandler()
	f, conn := newTestFramer(t, Options{CompressBody: true}, DispatchOptions{
		Method:        "POST",
		Path:          "/gz",
		Body:          strings.NewReader(body),
		ContentLength: int64(len(body)),
	}, h)
	require.NoError(t, f.writeRequest())

	header, wireBody := splitWire(t, conn.bytes())
	assert.Contains(t, header, "content-encoding: gzip\r\n")
	assert.Contains(t, header, "transfer-encoding: chunked\r\n")
	assert.NotContains(t, header, "content-length:")

	gr, err := gzip.NewReader(bytes.NewReader(dechunk(t, wireBody)))
	require.NoError(t, err)
	plain, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, body, string(plain))
	// Accounting is in source bytes, not compressed bytes.
	assert.Equal(t, body, string(h.sentBody()))
}

func TestFramerCompressEmptyBody(t *testing.T) {
	h := newRecordingHandler()
	f, conn := newTestFramer(t, Options{CompressBody: true}, DispatchOptions{
		Method:         "POST",
		Path:           "/gz",
		Body:           strings.NewReader(""),
		ExpectsPayload: true,
	}, h)
	require.NoError(t, f.writeRequest())

	// The header promises gzip, so even a zero-byte body must arrive
	// as a valid (empty) gzip stream.
	header, wireBody := splitWire(t, conn.bytes())
	assert.Contains(t, header, "content-encoding: gzip\r\n")
	assert.Contains(t, header, "transfer-encoding: chunked\r\n")
	assert.NotContains(t, header, "content-length:")

	gr, err := gzip.NewReader(bytes.NewReader(dechunk(t, wireBody)))
	require.NoError(t, err)
	plain, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestFramerDestroy(t *testing.T) {
	d := &pipeDialer{}
	p := newTestPool(t, Options{Dial: d.dial})
	defer p.Close()

	m := p.AddMember("")
	require.NotNil(t, m)
	conn := &bufferConn{}
	p.mu.Lock()
	m.connected = true
	m.conn = conn
	m.connStop = make(chan struct{})
	p.mu.Unlock()

	h := newRecordingHandler()
	req, err := newDispatchRequest(DispatchOptions{Method: "POST", Path: "/"}, h)
	require.NoError(t, err)
	f := newRequestFramer(m, conn, req)

	errBoom := errors.New("boom")
	f.Destroy(errBoom)
	h.wait(t)
	assert.ErrorIs(t, h.lastErr(), errBoom)

	// Destroy tears the connection down on the spot.
	p.mu.Lock()
	assert.False(t, m.connected)
	assert.Nil(t, m.conn)
	p.mu.Unlock()

	// The teardown counts as a connection error and penalizes weight.
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return m.weight == defaultWeight-weightStep
	}, 3*time.Second, 5*time.Millisecond)

	// Terminal and idempotent: a second call changes nothing.
	f.Destroy(errors.New("again"))
	completes, errs := h.counts()
	assert.Equal(t, 0, completes)
	assert.Equal(t, 1, errs)
	assert.ErrorIs(t, f.Write([]byte("late")), ErrRequestAborted)
}

func TestFramerDestroyPanicsOnPipelinedWrites(t *testing.T) {
	h := newRecordingHandler()
	f, _ := newTestFramer(t, Options{}, DispatchOptions{Method: "GET"}, h)
	p := f.member.pool
	p.mu.Lock()
	f.member.running = 2
	p.mu.Unlock()

	assert.PanicsWithValue(t, "dialpool: internal error: "+ErrSingleInFlight.Error(), func() {
		f.Destroy(nil)
	})
}

// cancelAfterReader cancels ctx once its payload has been consumed.
type cancelAfterReader struct {
	data   []byte
	cancel context.CancelFunc
	read   bool
}

func (r *cancelAfterReader) Read(p []byte) (int, error) {
	if r.read {
		return 0, io.EOF
	}
	r.read = true
	n := copy(p, r.data)
	r.cancel()
	return n, nil
}

func TestFramerAbortMidBody(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newRecordingHandler()
	f, _ := newTestFramer(t, Options{}, DispatchOptions{
		Method:        "POST",
		Path:          "/",
		Body:          &cancelAfterReader{data: []byte("partial"), cancel: cancel},
		ContentLength: -1,
		Context:       ctx,
	}, h)
	err := f.writeRequest()
	assert.ErrorIs(t, err, ErrRequestAborted)
	assert.True(t, f.dirty())
}
