// Package forward is the L4 SNI proxy: it peeks the server name from a TLS
// ClientHello and splices the connection to the backend mapped for that
// host. TLS is never terminated; the edge only reads the one cleartext
// field the handshake exposes.
package forward

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"github.com/ayadance/wanna-cdn/internal/log"
	"github.com/ayadance/wanna-cdn/internal/metrics"
)

const (
	// copyBufSize is the per-direction relay buffer.
	copyBufSize = 8 * 1024
	// helloTimeout bounds how long a client may take to present its
	// ClientHello before the connection is dropped.
	helloTimeout = 10 * time.Second
	dialTimeout  = 10 * time.Second
)

// route is one SNI host's backend set with its round-robin cursor.
type route struct {
	backends []string
	next     atomic.Uint64
}

func (r *route) pick() string {
	if len(r.backends) == 1 {
		return r.backends[0]
	}
	return r.backends[r.next.Add(1)%uint64(len(r.backends))]
}

// Forwarder accepts TCP connections and forwards them by SNI host.
type Forwarder struct {
	routes   map[string]*route
	noDelay  bool
	maxConns int
	logger   zerolog.Logger
	dialer   net.Dialer
}

// New builds a Forwarder for the given host -> backends table.
func New(routes map[string][]string, noDelay bool, maxConns int) *Forwarder {
	rt := make(map[string]*route, len(routes))
	for host, backends := range routes {
		if len(backends) > 0 {
			rt[host] = &route{backends: backends}
		}
	}
	return &Forwarder{
		routes:   rt,
		noDelay:  noDelay,
		maxConns: maxConns,
		logger:   log.WithComponent("forward"),
		dialer:   net.Dialer{Timeout: dialTimeout},
	}
}

// ListenAndServe accepts on addr until ctx is done. The listener is capped
// at the configured connection count so a flood cannot exhaust descriptors.
func (f *Forwarder) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	for host, r := range f.routes {
		f.logger.Info().Str("listen", addr).Str("sni", host).Strs("backends", r.backends).Msg("sni route")
	}
	if f.maxConns > 0 {
		ln = netutil.LimitListener(ln, f.maxConns)
	}
	return f.Serve(ctx, ln)
}

// Serve runs the accept loop on ln. It returns once ctx is done; in-flight
// relays finish on their own.
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			f.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.handle(ctx, conn)
		}()
	}
}

func (f *Forwarder) handle(ctx context.Context, client net.Conn) {
	defer client.Close()
	remote := client.RemoteAddr().String()

	_ = client.SetReadDeadline(time.Now().Add(helloTimeout))
	host, consumed, err := peekSNI(client)
	if err != nil {
		metrics.ForwardConnsTotal.WithLabelValues("no_sni").Inc()
		f.logger.Debug().Err(err).Str("remote", remote).Msg("dropping connection without usable SNI")
		return
	}
	_ = client.SetReadDeadline(time.Time{})

	r, ok := f.routes[host]
	if !ok {
		metrics.ForwardConnsTotal.WithLabelValues("no_route").Inc()
		f.logger.Debug().Str("sni", host).Str("remote", remote).Msg("no route for SNI host")
		return
	}
	backendAddr := r.pick()

	backend, err := f.dialer.DialContext(ctx, "tcp", backendAddr)
	if err != nil {
		metrics.ForwardConnsTotal.WithLabelValues("dial_error").Inc()
		f.logger.Warn().Err(err).Str("backend", backendAddr).Str("sni", host).Msg("backend dial failed")
		return
	}
	defer backend.Close()
	if f.noDelay {
		if tcp, ok := backend.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
	}

	// The backend must see the handshake bytes we already consumed.
	if _, err := backend.Write(consumed); err != nil {
		metrics.ForwardConnsTotal.WithLabelValues("dial_error").Inc()
		f.logger.Warn().Err(err).Str("backend", backendAddr).Msg("replaying ClientHello failed")
		return
	}

	metrics.ForwardConnsTotal.WithLabelValues("proxied").Inc()
	metrics.ForwardActive.Inc()
	defer metrics.ForwardActive.Dec()
	f.logger.Debug().Str("remote", remote).Str("sni", host).Str("backend", backendAddr).Msg("relaying")

	f.splice(client, backend)
}

// splice copies both directions until either side finishes, then fully
// closes both sockets. A write-half shutdown alone is not enough: many TLS
// stacks never notice it and the conn lingers in CLOSE_WAIT.
func (f *Forwarder) splice(client, backend net.Conn) {
	done := make(chan struct{}, 2)
	pump := func(dst, src net.Conn, direction string) {
		buf := make([]byte, copyBufSize)
		for {
			n, rerr := src.Read(buf)
			if n > 0 {
				metrics.ForwardBytesTotal.WithLabelValues(direction).Add(float64(n))
				if _, werr := dst.Write(buf[:n]); werr != nil {
					break
				}
			}
			if rerr != nil {
				break
			}
		}
		done <- struct{}{}
	}
	go pump(backend, client, "up")
	go pump(client, backend, "down")

	// First direction to finish tears the relay down; closing both conns
	// unblocks the other copier, which we still wait for so its buffer
	// lifetime ends here.
	<-done
	client.Close()
	backend.Close()
	<-done
}
