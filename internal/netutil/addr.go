package netutil

import (
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// AuthorityAddr takes an authority (a host/IP, or host:port / ip:port)
// and returns a canonical host:port, filling in the scheme's default
// port when the authority carries none.
func AuthorityAddr(scheme, authority string) string {
	host, port := AuthorityHostPort(scheme, authority)
	// IPv6 address literal, without a port:
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + port
	}
	return net.JoinHostPort(host, port)
}

// AuthorityHostPort splits an authority into host and port, converting
// an international hostname to its ASCII form.
func AuthorityHostPort(scheme, authority string) (host, port string) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil { // authority didn't have a port
		port = "443"
		if scheme == "http" {
			port = "80"
		}
		host = authority
	}
	if a, err := idna.ToASCII(host); err == nil {
		host = a
	}
	return
}
