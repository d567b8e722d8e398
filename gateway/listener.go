package gateway

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

// http2Preface is the prior-knowledge HTTP/2 connection preface a client
// sends before any frames, per spec §4.6.
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// ListenerConfig controls the protocol-negotiating listener.
type ListenerConfig struct {
	Addr        string
	TLS         *tls.Config // nil for plaintext (prior-knowledge only)
	IdleTimeout time.Duration
}

// Listener accepts connections and installs the right protocol pipeline on
// each one, then hands off to handler. Grounded on network/proxy.go's
// Start()/http.Server composition, generalized from "always HTTP/1.1" to a
// protocol-sniffing accept loop per spec §4.6.
type Listener struct {
	cfg     ListenerConfig
	handler http.Handler
	log     *logrus.Entry

	h1 *http.Server
	h2 *http2.Server
}

// NewListener builds a Listener that dispatches to handler once the
// protocol has been identified.
func NewListener(cfg ListenerConfig, handler http.Handler, log *logrus.Entry) *Listener {
	h1 := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		IdleTimeout: cfg.IdleTimeout,
	}
	if cfg.TLS != nil {
		h1.TLSConfig = cfg.TLS.Clone()
		h1.TLSConfig.NextProtos = []string{"h2", "http/1.1"}
	}

	h2 := &http2.Server{IdleTimeout: cfg.IdleTimeout}
	_ = http2.ConfigureServer(h1, h2)

	return &Listener{cfg: cfg, handler: handler, log: log, h1: h1, h2: h2}
}

// Serve accepts connections on ln until it is closed, dispatching each one
// through protocol negotiation.
func (l *Listener) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	if l.cfg.IdleTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(l.cfg.IdleTimeout))
	}

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return
		}
		switch tlsConn.ConnectionState().NegotiatedProtocol {
		case "h2":
			l.h2.ServeConn(tlsConn, &http2.ServeConnOpts{Handler: l.handler})
		default:
			l.h1.Serve(&singleConnListener{conn: tlsConn})
		}
		return
	}

	// No TLS: detect prior-knowledge HTTP/2 by peeking the connection
	// preface, per spec §4.6.
	br := bufio.NewReader(conn)
	preface, err := br.Peek(len(http2Preface))
	if err == nil && string(preface) == http2Preface {
		l.h2.ServeConn(&prefaceConn{Conn: conn, r: br}, &http2.ServeConnOpts{Handler: l.handler})
		return
	}

	l.h1.Serve(&singleConnListener{conn: &prefaceConn{Conn: conn, r: br}})
}

// prefaceConn replays bytes already consumed from the bufio.Reader used to
// peek the HTTP/2 preface, so downstream codecs see the full byte stream.
type prefaceConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *prefaceConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// singleConnListener adapts one already-accepted net.Conn into a net.Listener
// that yields it exactly once, so http.Server.Serve can drive a connection
// gateway.handleConn has already dispatched by protocol.
type singleConnListener struct {
	conn net.Conn
	used bool
}

func (s *singleConnListener) Accept() (net.Conn, error) {
	if s.used {
		return nil, fmt.Errorf("singleConnListener: connection already served")
	}
	s.used = true
	return s.conn, nil
}

func (s *singleConnListener) Close() error   { return nil }
func (s *singleConnListener) Addr() net.Addr { return s.conn.LocalAddr() }
