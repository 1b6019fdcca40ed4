package dialpool

import (
	"errors"
	"net"
	"net/url"
	"strconv"

	"golang.org/x/net/http/httpguts"

	"github.com/dialpool/dialpool/internal/util"
)

// ProxyOptions describes the intermediary every pool connection is
// routed through. Scheme selects the tunnel protocol: "http" and
// "https" use an HTTP CONNECT exchange (over TLS to the proxy itself
// for "https"), "socks4", "socks4a" and "socks5" use the matching SOCKS
// handshake.
type ProxyOptions struct {
	URL *url.URL

	// Headers are sent verbatim with the CONNECT request. Ignored for
	// SOCKS proxies.
	Headers []HeaderField

	// Token, when non-empty, is sent as the proxy-authorization value
	// in place of the credentials in URL.User. For SOCKS5 only
	// URL.User credentials apply; for SOCKS4 the username becomes the
	// ident field.
	Token string
}

// ParseProxy parses a proxy URI into ProxyOptions.
func ParseProxy(uri string) (*ProxyOptions, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https", "socks4", "socks4a", "socks5":
	default:
		return nil, errors.New("dialpool: unsupported proxy scheme " + u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("dialpool: proxy has no host")
	}
	return &ProxyOptions{URL: u}, nil
}

// Addr returns the proxy's host:port, filling in the scheme's default
// port when the URI carries none.
func (o *ProxyOptions) Addr() string {
	host := o.URL.Hostname()
	port := o.URL.Port()
	if port == "" {
		switch o.URL.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		default:
			port = "1080"
		}
	}
	return net.JoinHostPort(host, port)
}

// authorization returns the proxy-authorization header value, or ""
// when the proxy carries no credentials.
func (o *ProxyOptions) authorization() string {
	if o.Token != "" {
		return o.Token
	}
	if u := o.URL.User; u != nil {
		pass, _ := u.Password()
		return util.BasicAuthHeaderValue(u.Username(), pass)
	}
	return ""
}

// validHeaders reports whether every extra CONNECT header is legal on
// the wire.
func (o *ProxyOptions) validHeaders() error {
	for _, h := range o.Headers {
		if !httpguts.ValidHeaderFieldName(h.Name) {
			return errors.New("dialpool: invalid proxy header name " + strconv.Quote(h.Name))
		}
		if !httpguts.ValidHeaderFieldValue(h.Value) {
			return errors.New("dialpool: invalid proxy header value for " + h.Name)
		}
	}
	return nil
}
