// Package transport implements spec.md §4.7: establishing a
// mutually-authenticated TLS session to the shuffle server, either
// directly or through a namespace/service/port-aware L4 proxy.
//
// TLS material loading, X.509 configuration, and issuance of the
// session tokens themselves are explicitly out of scope (spec.md §1):
// this package is handed a ready *tls.Config and a set of tokens to
// present, and it only knows the handshake bytes that follow the TLS
// handshake.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"

	"shuffler/internal/shuffleerr"
	"shuffler/internal/wire"
)

// Location selects how the Client reaches the server, per spec.md §6's
// deploy-configuration document.
type Location int

const (
	Direct Location = iota
	ProxiedInternal
	ProxiedExternal
)

// Tokens are the 32-byte session tokens pre-shared with the server and
// proxy (spec.md glossary: "Session token"). Issuing them is an
// external collaborator's job; this package only carries and presents
// whatever it is given.
type Tokens struct {
	Default [32]byte
	Service [32]byte
}

// Config is everything the Client-side Transport needs to reach the
// server for one logical service.
type Config struct {
	Location         Location
	DefaultNamespace string
	Domain           string

	// Namespace and Service name the target shuffle server.
	Namespace string
	Service   string
	Port      uint16

	// ProxyAddr is the fixed proxy host:port used when Location is one
	// of the proxied modes.
	ProxyAddr string

	TLSConfig *tls.Config
	Tokens    Tokens
}

// serviceToken returns the 32-byte token to present for the target
// namespace: the service's own namespace token, or 32 zero bytes if
// the target is the default namespace (spec.md §4.7).
func (c *Config) serviceToken() [32]byte {
	if c.Namespace == "" || c.Namespace == c.DefaultNamespace {
		return [32]byte{}
	}
	return c.Tokens.Service
}

// Dial establishes a TLS session to the server and completes the
// transport handshake, returning the open connection and the
// per-connection UUID the server assigned it.
func Dial(ctx context.Context, cfg Config) (net.Conn, wire.ConnID, error) {
	switch cfg.Location {
	case Direct:
		return dialDirect(ctx, cfg)
	case ProxiedInternal, ProxiedExternal:
		return dialProxied(ctx, cfg)
	default:
		return nil, wire.ConnID{}, fmt.Errorf("transport: unknown location %d", cfg.Location)
	}
}

func directAddr(cfg Config) string {
	host := cfg.Service
	if cfg.Namespace != "" {
		host = fmt.Sprintf("%s.%s", cfg.Service, cfg.Namespace)
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", cfg.Port))
}

func dialDirect(ctx context.Context, cfg Config) (net.Conn, wire.ConnID, error) {
	raw, err := (&net.Dialer{}).DialContext(ctx, "tcp", directAddr(cfg))
	if err != nil {
		return nil, wire.ConnID{}, err
	}
	conn := tls.Client(raw, cfg.TLSConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, wire.ConnID{}, err
	}

	if _, err := conn.Write(cfg.Tokens.Default[:]); err != nil {
		conn.Close()
		return nil, wire.ConnID{}, err
	}
	svcToken := cfg.serviceToken()
	if _, err := conn.Write(svcToken[:]); err != nil {
		conn.Close()
		return nil, wire.ConnID{}, err
	}

	id, err := readAckAndUUID(conn)
	if err != nil {
		conn.Close()
		return nil, wire.ConnID{}, err
	}
	return conn, id, nil
}

// proxyAddr resolves the address of the fixed L4 proxy. Proxied-external
// reaches the proxy over cfg.Domain; proxied-internal uses cfg.ProxyAddr
// as configured (e.g. a cluster-local address). Hostname discovery
// itself is an external collaborator's job (spec.md §1); this just
// picks which already-resolved address to use.
func proxyAddr(cfg Config) string {
	if cfg.Location == ProxiedExternal && cfg.Domain != "" {
		return net.JoinHostPort(cfg.Domain, proxyPortOf(cfg.ProxyAddr))
	}
	return cfg.ProxyAddr
}

func proxyPortOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "443"
	}
	return port
}

func dialProxied(ctx context.Context, cfg Config) (net.Conn, wire.ConnID, error) {
	raw, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyAddr(cfg))
	if err != nil {
		return nil, wire.ConnID{}, err
	}
	conn := tls.Client(raw, cfg.TLSConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, wire.ConnID{}, err
	}

	if _, err := conn.Write(cfg.Tokens.Default[:]); err != nil {
		conn.Close()
		return nil, wire.ConnID{}, err
	}
	svcToken := cfg.serviceToken()
	if _, err := conn.Write(svcToken[:]); err != nil {
		conn.Close()
		return nil, wire.ConnID{}, err
	}
	if err := writeLenPrefixedString(conn, cfg.Namespace); err != nil {
		conn.Close()
		return nil, wire.ConnID{}, err
	}
	if err := writeLenPrefixedString(conn, cfg.Service); err != nil {
		conn.Close()
		return nil, wire.ConnID{}, err
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], cfg.Port)
	if _, err := conn.Write(portBuf[:]); err != nil {
		conn.Close()
		return nil, wire.ConnID{}, err
	}

	id, err := readAckAndUUID(conn)
	if err != nil {
		conn.Close()
		return nil, wire.ConnID{}, err
	}
	return conn, id, nil
}

func writeLenPrefixedString(w io.Writer, s string) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(s)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readLenPrefixedString(r io.Reader) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readAckAndUUID(r io.Reader) (wire.ConnID, error) {
	var ack [1]byte
	if _, err := io.ReadFull(r, ack[:]); err != nil {
		return wire.ConnID{}, err
	}
	if ack[0] != 1 {
		return wire.ConnID{}, shuffleerr.ErrTransportAck
	}
	var id wire.ConnID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return wire.ConnID{}, err
	}
	return id, nil
}

// Accept performs the server side of the direct handshake (spec.md
// §4.7: "The server side mirrors the direct handshake: read tokens (and
// optionally reject), mint a UUID, write 1 then the UUID"). validate,
// if non-nil, may reject the presented tokens; a nil validate always
// accepts, since token issuance and verification are out of scope here.
func Accept(conn net.Conn, validate func(Tokens) bool) (wire.ConnID, error) {
	var tokens Tokens
	if _, err := io.ReadFull(conn, tokens.Default[:]); err != nil {
		return wire.ConnID{}, err
	}
	if _, err := io.ReadFull(conn, tokens.Service[:]); err != nil {
		return wire.ConnID{}, err
	}

	if validate != nil && !validate(tokens) {
		conn.Write([]byte{0})
		return wire.ConnID{}, shuffleerr.ErrTransportAck
	}

	id := wire.ConnID(uuid.New())
	if _, err := conn.Write([]byte{1}); err != nil {
		return wire.ConnID{}, err
	}
	if _, err := conn.Write(id[:]); err != nil {
		return wire.ConnID{}, err
	}
	return id, nil
}

// AcceptProxied performs the server side of the proxied handshake: the
// same token exchange as Accept, plus reading the namespace, service,
// and port the proxy forwarded. The shuffle server itself never runs
// this path (it always terminates the direct handshake); a standalone
// proxy process would. It is included here because it is the exact
// mirror image of dialProxied and belongs next to it.
func AcceptProxied(conn net.Conn, validate func(Tokens, string, string, uint16) bool) (wire.ConnID, error) {
	var tokens Tokens
	if _, err := io.ReadFull(conn, tokens.Default[:]); err != nil {
		return wire.ConnID{}, err
	}
	if _, err := io.ReadFull(conn, tokens.Service[:]); err != nil {
		return wire.ConnID{}, err
	}
	namespace, err := readLenPrefixedString(conn)
	if err != nil {
		return wire.ConnID{}, err
	}
	service, err := readLenPrefixedString(conn)
	if err != nil {
		return wire.ConnID{}, err
	}
	var portBuf [2]byte
	if _, err := io.ReadFull(conn, portBuf[:]); err != nil {
		return wire.ConnID{}, err
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	if validate != nil && !validate(tokens, namespace, service, port) {
		conn.Write([]byte{0})
		return wire.ConnID{}, shuffleerr.ErrTransportAck
	}

	id := wire.ConnID(uuid.New())
	if _, err := conn.Write([]byte{1}); err != nil {
		return wire.ConnID{}, err
	}
	if _, err := conn.Write(id[:]); err != nil {
		return wire.ConnID{}, err
	}
	return id, nil
}
