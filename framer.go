package dialpool

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"

	"github.com/klauspost/compress/gzip"
)

const bodyChunkSize = 4096

// RequestFramer writes a single request on a claimed member's socket:
// request line, headers, then the body under the correct wire framing
// (Content-Length when the length is declared, chunked otherwise). It
// tracks bytes written against the declared length and refreshes the
// member's keep-alive deadline on every write, classified by phase.
//
// A framer assumes at most one in-flight write per member; the pool
// enforces that before a request is claimed.
type RequestFramer struct {
	member *Member
	req    *DispatchRequest
	bw     *bufio.Writer
	gz     *gzip.Writer

	declaredLength int64
	bytesWritten   int64
	chunked        bool
	compress       bool
	strict         bool
	log            Logger

	headerDone bool // framing header and blank line on the wire
	started    bool // any bytes at all on the wire
	finished   bool
	destroyed  bool
	warned     bool
}

func newRequestFramer(m *Member, conn net.Conn, req *DispatchRequest) *RequestFramer {
	f := &RequestFramer{
		member:         m,
		req:            req,
		bw:             bufio.NewWriterSize(conn, bodyChunkSize),
		declaredLength: req.opts.ContentLength,
		strict:         true,
		log:            &disableLogger{},
	}
	if p := m.pool; p != nil {
		f.strict = !p.opts.LenientContentLength
		f.compress = p.opts.CompressBody && req.opts.Body != nil
		f.log = p.log
	}
	if f.compress {
		// Compressed length is unknowable up front.
		f.declaredLength = -1
	}
	f.chunked = f.declaredLength < 0
	return f
}

// dirty reports whether any bytes reached the wire; once true, an error
// leaves the connection in undefined protocol state.
func (f *RequestFramer) dirty() bool { return f.started }

// writeRequest drives the whole write phase: request line and headers,
// then the body pumped from the request's body source, then End.
func (f *RequestFramer) writeRequest() error {
	if err := f.writeHeader(); err != nil {
		return err
	}
	body := f.req.opts.Body
	if body != nil {
		buf := make([]byte, bodyChunkSize)
		for {
			if f.req.aborted() {
				return ErrRequestAborted
			}
			n, rerr := body.Read(buf)
			if n > 0 {
				if werr := f.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
	}
	return f.End()
}

// writeHeader emits the request line, Host and the caller's headers.
// The framing header (content-length or transfer-encoding) is deferred
// until the first body byte or End decides it.
func (f *RequestFramer) writeHeader() error {
	m := f.member
	m.touch(timeoutHeaders)
	opts := &f.req.opts
	path := opts.Path
	if path == "" {
		path = "/"
	}
	f.started = true
	if _, err := f.bw.WriteString(opts.Method + " " + path + " HTTP/1.1\r\n"); err != nil {
		return f.writeErr(timeoutHeaders, err)
	}
	if _, err := f.bw.WriteString("host: " + m.addr + "\r\n"); err != nil {
		return f.writeErr(timeoutHeaders, err)
	}
	for _, h := range opts.Headers {
		if _, err := f.bw.WriteString(h.Name + ": " + h.Value + "\r\n"); err != nil {
			return f.writeErr(timeoutHeaders, err)
		}
	}
	if f.compress {
		if _, err := f.bw.WriteString("content-encoding: gzip\r\n"); err != nil {
			return f.writeErr(timeoutHeaders, err)
		}
	}
	return nil
}

// finishHeader writes the deferred framing header plus the blank line
// that terminates the header block.
func (f *RequestFramer) finishHeader() error {
	if f.headerDone {
		return nil
	}
	f.headerDone = true
	var line string
	if f.chunked {
		line = "transfer-encoding: chunked\r\n\r\n"
	} else {
		line = "content-length: " + strconv.FormatInt(f.declaredLength, 10) + "\r\n\r\n"
	}
	if _, err := f.bw.WriteString(line); err != nil {
		return f.writeErr(timeoutHeaders, err)
	}
	return nil
}

// Write frames one body chunk onto the wire and refreshes the member's
// body-phase deadline.
func (f *RequestFramer) Write(chunk []byte) error {
	if f.destroyed {
		return ErrRequestAborted
	}
	if len(chunk) == 0 {
		return nil
	}
	if err := f.finishHeader(); err != nil {
		return err
	}
	f.member.touch(timeoutBody)

	if !f.chunked && f.bytesWritten+int64(len(chunk)) > f.declaredLength {
		mismatch := &ContentLengthMismatchError{Declared: f.declaredLength, Written: f.bytesWritten + int64(len(chunk))}
		if f.strict {
			return mismatch
		}
		f.warnMismatch(mismatch)
	}

	var err error
	switch {
	case f.compress:
		err = f.writeCompressed(chunk)
	case f.chunked:
		err = f.writeChunk(chunk)
	default:
		_, err = f.bw.Write(chunk)
	}
	if err != nil {
		return f.writeErr(timeoutBody, err)
	}
	f.bytesWritten += int64(len(chunk))
	f.req.handler.OnBodySent(chunk)
	return nil
}

func (f *RequestFramer) writeCompressed(chunk []byte) error {
	if f.gz == nil {
		f.gz = gzip.NewWriter(chunkWriter{f})
	}
	_, err := f.gz.Write(chunk)
	return err
}

func (f *RequestFramer) writeChunk(chunk []byte) error {
	if _, err := f.bw.WriteString(strconv.FormatInt(int64(len(chunk)), 16) + "\r\n"); err != nil {
		return err
	}
	if _, err := f.bw.Write(chunk); err != nil {
		return err
	}
	_, err := f.bw.WriteString("\r\n")
	return err
}

// chunkWriter frames compressed output; source-byte accounting stays in
// Write.
type chunkWriter struct{ f *RequestFramer }

func (w chunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.f.writeChunk(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// End terminates the frame. A declared length that disagrees with the
// bytes written is fatal in strict mode and a logged warning otherwise.
func (f *RequestFramer) End() error {
	if f.destroyed {
		return ErrRequestAborted
	}
	if f.finished {
		return nil
	}
	f.finished = true

	if !f.chunked && f.bytesWritten != f.declaredLength {
		mismatch := &ContentLengthMismatchError{Declared: f.declaredLength, Written: f.bytesWritten}
		if f.strict {
			return mismatch
		}
		f.warnMismatch(mismatch)
	}

	if !f.headerDone {
		// No body bytes were ever written.
		if f.compress {
			// The header block already promised a gzip encoding, so
			// the frame must carry a gzip stream even when empty.
			if err := f.finishHeader(); err != nil {
				return err
			}
			if f.gz == nil {
				f.gz = gzip.NewWriter(chunkWriter{f})
			}
			if err := f.gz.Close(); err != nil {
				return f.writeErr(timeoutBody, err)
			}
			if _, err := f.bw.WriteString("0\r\n\r\n"); err != nil {
				return f.writeErr(timeoutBody, err)
			}
		} else {
			f.headerDone = true
			var line string
			switch {
			case f.req.opts.ExpectsPayload:
				line = "content-length: 0\r\n\r\n"
			case !f.chunked && f.declaredLength > 0 && !f.strict:
				// Lenient mode reframes with the true count.
				line = "content-length: 0\r\n\r\n"
			case f.chunked:
				line = "transfer-encoding: chunked\r\n\r\n0\r\n\r\n"
			default:
				line = "\r\n"
			}
			if _, err := f.bw.WriteString(line); err != nil {
				return f.writeErr(timeoutBody, err)
			}
		}
	} else if f.chunked {
		if f.gz != nil {
			if err := f.gz.Close(); err != nil {
				return f.writeErr(timeoutBody, err)
			}
		}
		if _, err := f.bw.WriteString("0\r\n\r\n"); err != nil {
			return f.writeErr(timeoutBody, err)
		}
	}

	if err := f.bw.Flush(); err != nil {
		return f.writeErr(timeoutBody, err)
	}
	f.member.touch(timeoutIdle)
	return nil
}

// Destroy abandons the write phase. Calling it while the member somehow
// carries more than one running request is a programming error: this
// framer cannot pipeline.
func (f *RequestFramer) Destroy(err error) {
	if f.destroyed {
		return
	}
	f.destroyed = true
	m := f.member
	if p := m.pool; p != nil {
		p.mu.Lock()
		running := m.running
		p.mu.Unlock()
		if running > 1 {
			panic("dialpool: internal error: " + ErrSingleInFlight.Error())
		}
	}
	if err == nil {
		err = ErrRequestAborted
	}
	f.req.fail(err)
	m.disconnect(err)
}

func (f *RequestFramer) warnMismatch(err *ContentLengthMismatchError) {
	if f.warned {
		return
	}
	f.warned = true
	f.log.Warnf("request to %s: %v", f.member.addr, err)
}

// writeErr classifies a socket write failure by phase.
func (f *RequestFramer) writeErr(kind timeoutKind, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if kind == timeoutHeaders {
			return ErrHeadersTimeout
		}
		return ErrBodyTimeout
	}
	return &SocketError{Addr: f.member.addr, Err: err}
}
