package dialpool

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dialpool/dialpool/internal/socks"
)

// TunnelState tracks where a tunnel negotiation stands.
type TunnelState int

const (
	TunnelNegotiating TunnelState = iota
	TunnelConnected
	TunnelFailed
)

func (s TunnelState) String() string {
	switch s {
	case TunnelNegotiating:
		return "negotiating"
	case TunnelConnected:
		return "connected"
	case TunnelFailed:
		return "failed"
	default:
		return "unknown state: " + strconv.Itoa(int(s))
	}
}

// maxConnectResponse bounds how much of a CONNECT response is read
// before the proxy is declared hostile.
const maxConnectResponse = 16 << 10

// TunnelNegotiator turns a raw connection to a proxy into a byte stream
// that reaches the true destination, speaking whichever handshake the
// proxy's scheme selects. A failed negotiation closes the socket; a
// half-established tunnel is never returned.
type TunnelNegotiator struct {
	Proxy      *ProxyOptions
	TLSUpgrade TLSUpgrader
	Logger     Logger
}

// ProxyAddr returns the intermediary's host:port.
func (t *TunnelNegotiator) ProxyAddr() string { return t.Proxy.Addr() }

// Negotiate runs the handshake on conn and returns the stream to
// targetAddr, TLS-upgraded when targetScheme is https. On error conn is
// closed and the state reported in logs is failed.
func (t *TunnelNegotiator) Negotiate(ctx context.Context, conn net.Conn, targetScheme, targetAddr string) (net.Conn, error) {
	log := t.Logger
	if log == nil {
		log = &disableLogger{}
	}
	state := TunnelNegotiating
	log.Debugf("tunnel to %s via %s: %s", targetAddr, t.ProxyAddr(), state)

	if d, ok := ctx.Deadline(); ok {
		conn.SetDeadline(d)
		defer conn.SetDeadline(time.Time{})
	}

	var (
		out net.Conn
		err error
	)
	switch t.Proxy.URL.Scheme {
	case "http", "https":
		out, err = t.connectHTTP(ctx, conn, targetAddr)
	case "socks4", "socks4a":
		out, err = t.connectSocks(ctx, conn, socks.Version4, targetAddr)
	case "socks5":
		out, err = t.connectSocks(ctx, conn, socks.Version5, targetAddr)
	default:
		err = &TunnelError{Proxy: t.ProxyAddr(), Reason: "unsupported proxy scheme " + t.Proxy.URL.Scheme}
	}
	if err == nil && targetScheme == "https" {
		out, err = t.upgrade(ctx, out, targetAddr)
	}
	if err != nil {
		state = TunnelFailed
		log.Debugf("tunnel to %s via %s: %s: %v", targetAddr, t.ProxyAddr(), state, err)
		conn.Close()
		return nil, err
	}
	state = TunnelConnected
	log.Debugf("tunnel to %s via %s: %s", targetAddr, t.ProxyAddr(), state)
	return out, nil
}

// connectHTTP issues a CONNECT request and consumes the response
// headers. An https proxy gets its own TLS session before the CONNECT
// goes out.
func (t *TunnelNegotiator) connectHTTP(ctx context.Context, conn net.Conn, targetAddr string) (net.Conn, error) {
	if err := t.Proxy.validHeaders(); err != nil {
		return nil, err
	}
	if t.Proxy.URL.Scheme == "https" {
		host, _, _ := net.SplitHostPort(t.ProxyAddr())
		tconn, err := t.upgrader()(ctx, conn, host)
		if err != nil {
			return nil, &TunnelError{Proxy: t.ProxyAddr(), Err: err}
		}
		conn = tconn
	}

	var b strings.Builder
	b.WriteString("CONNECT " + targetAddr + " HTTP/1.1\r\n")
	b.WriteString("host: " + targetAddr + "\r\n")
	if auth := t.Proxy.authorization(); auth != "" {
		b.WriteString("proxy-authorization: " + auth + "\r\n")
	}
	for _, h := range t.Proxy.Headers {
		b.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	b.WriteString("\r\n")
	if _, err := conn.Write([]byte(b.String())); err != nil {
		return nil, &TunnelError{Proxy: t.ProxyAddr(), Err: err}
	}

	// The proxy sends nothing past its response headers until we talk,
	// so a buffered reader cannot swallow tunnel bytes here.
	br := bufio.NewReader(&limitedConn{conn: conn, remaining: maxConnectResponse})
	status, reason, err := readConnectStatus(br)
	if err != nil {
		return nil, &TunnelError{Proxy: t.ProxyAddr(), Err: err}
	}
	if status != 200 {
		return nil, &TunnelError{Proxy: t.ProxyAddr(), Status: status, Reason: reason}
	}
	return conn, nil
}

// readConnectStatus parses the status line and discards the remaining
// response headers.
func readConnectStatus(br *bufio.Reader) (status int, reason string, err error) {
	line, err := readHeaderLine(br)
	if err != nil {
		return 0, "", err
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return 0, "", &badConnectResponse{line}
	}
	code, reason, _ := strings.Cut(rest, " ")
	status, err = strconv.Atoi(code)
	if err != nil || status < 100 || status > 599 {
		return 0, "", &badConnectResponse{line}
	}
	for {
		line, err := readHeaderLine(br)
		if err != nil {
			return 0, "", err
		}
		if line == "" {
			return status, reason, nil
		}
	}
}

func readHeaderLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

type badConnectResponse struct{ line string }

func (e *badConnectResponse) Error() string {
	return "malformed CONNECT response line " + strconv.Quote(e.line)
}

// limitedConn caps how many bytes may be read, so a proxy that streams
// garbage instead of a response header block cannot pin us.
type limitedConn struct {
	conn      net.Conn
	remaining int
}

func (l *limitedConn) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, &badConnectResponse{line: "response headers too large"}
	}
	if len(p) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.conn.Read(p)
	l.remaining -= n
	return n, err
}

// connectSocks delegates the handshake to the SOCKS client over the
// already-dialed conn.
func (t *TunnelNegotiator) connectSocks(ctx context.Context, conn net.Conn, version int, targetAddr string) (net.Conn, error) {
	d := socks.NewDialer("tcp", t.ProxyAddr())
	d.Version = version
	if u := t.Proxy.URL.User; u != nil {
		if version == socks.Version4 {
			d.UserID = u.Username()
		} else {
			pass, _ := u.Password()
			d.AuthMethods = []socks.AuthMethod{
				socks.AuthMethodNotRequired,
				socks.AuthMethodUsernamePassword,
			}
			d.Authenticate = (&socks.UsernamePassword{
				Username: u.Username(),
				Password: pass,
			}).Authenticate
		}
	}
	if _, err := d.DialWithConn(ctx, conn, "tcp", targetAddr); err != nil {
		return nil, &TunnelError{Proxy: t.ProxyAddr(), Err: err}
	}
	return conn, nil
}

func (t *TunnelNegotiator) upgrade(ctx context.Context, conn net.Conn, targetAddr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(targetAddr)
	if err != nil {
		host = targetAddr
	}
	return t.upgrader()(ctx, conn, host)
}

func (t *TunnelNegotiator) upgrader() TLSUpgrader {
	if t.TLSUpgrade != nil {
		return t.TLSUpgrade
	}
	return StdTLSUpgrader(nil)
}
