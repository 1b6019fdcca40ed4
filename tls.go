package dialpool

import (
	"context"
	"crypto/tls"
	"net"

	utls "github.com/refraction-networking/utls"
)

// TLSUpgrader wraps an established byte stream in a client TLS session.
// It is invoked for https origins on direct connections and on proxy
// tunnels once the CONNECT exchange succeeds. serverName is the
// destination host for SNI and certificate verification; the upgrader
// may ignore it when its config pins a name.
//
// On error the caller owns closing conn.
type TLSUpgrader func(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error)

// StdTLSUpgrader returns a TLSUpgrader backed by crypto/tls. A nil cfg
// uses defaults.
func StdTLSUpgrader(cfg *tls.Config) TLSUpgrader {
	return func(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
		c := cfg.Clone()
		if c == nil {
			c = &tls.Config{}
		}
		if c.ServerName == "" {
			c.ServerName = serverName
		}
		tc := tls.Client(conn, c)
		if err := tc.HandshakeContext(ctx); err != nil {
			return nil, err
		}
		return tc, nil
	}
}

// FingerprintTLSUpgrader returns a TLSUpgrader that handshakes with the
// ClientHello of the given browser fingerprint, for origins or proxies
// that gate on the shape of the hello. A nil cfg uses defaults.
func FingerprintTLSUpgrader(helloID utls.ClientHelloID, cfg *utls.Config) TLSUpgrader {
	return func(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
		c := cfg.Clone()
		if c == nil {
			c = &utls.Config{}
		}
		if c.ServerName == "" {
			c.ServerName = serverName
		}
		uc := utls.UClient(conn, c, helloID)
		if err := uc.HandshakeContext(ctx); err != nil {
			return nil, err
		}
		return uc, nil
	}
}
