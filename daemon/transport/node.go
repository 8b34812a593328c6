// Package transport exchanges manifest advertisements with peers over QUIC.
//
// Each exchange is one bidirectional stream. Both ends open with a Hello
// naming their fetch HTTP address, then send Advert and ManifestRequest
// frames until they finish their write side. A ManifestRequest is answered
// with an Advert when the manifest is held.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/internal/observability"
	"github.com/rhizomemesh/rhizome/internal/quicutil"
	"github.com/rhizomemesh/rhizome/internal/ratelimit"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

// Handler receives manifests advertised by peers. peer is the fetch HTTP
// address of the advertising node.
type Handler interface {
	HandleAdvert(ctx context.Context, m *rhizome.Manifest, peer string)
}

// Source is the local bundle store as seen by the advertiser.
type Source interface {
	List(ctx context.Context, f store.ListFilter) ([]*store.Entry, error)
	ManifestByPrefix(ctx context.Context, prefix []byte) (*rhizome.Manifest, error)
}

type Config struct {
	ListenAddr string
	// HTTPAddr is announced in Hello. Peers fetch payloads from it.
	HTTPAddr string
	NodeID   string
	// Identity signs the QUIC certificate so peers learn our SID. Nil
	// uses a throwaway key.
	Identity ed25519.PrivateKey
	Peers    []string
	Interval time.Duration
	// BatchSize caps adverts per peer per round.
	BatchSize   int
	AcceptRate  float64
	AcceptBurst int
	// ExchangeTimeout bounds one stream exchange.
	ExchangeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":4111",
		Interval:        10 * time.Second,
		BatchSize:       256,
		AcceptRate:      5,
		AcceptBurst:     20,
		ExchangeTimeout: 30 * time.Second,
	}
}

// Node is both the advert listener and the periodic advertiser.
type Node struct {
	cfg      Config
	src      Source
	handler  Handler
	logger   *observability.Logger
	metrics  *observability.Metrics
	limiters *ratelimit.Limiters

	listener *QUICListener
	kick     chan struct{}

	tlsOnce   sync.Once
	clientTLS *tls.Config
	tlsErr    error

	mu      sync.Mutex
	cursors map[string]int64
}

func NewNode(cfg Config, src Source, handler Handler, logger *observability.Logger, metrics *observability.Metrics) *Node {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.AcceptRate <= 0 {
		cfg.AcceptRate = def.AcceptRate
	}
	if cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = def.AcceptBurst
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = def.ExchangeTimeout
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Node{
		cfg:      cfg,
		src:      src,
		handler:  handler,
		logger:   logger.WithComponent("transport"),
		metrics:  metrics,
		limiters: ratelimit.New(cfg.AcceptRate, cfg.AcceptBurst),
		kick:     make(chan struct{}, 1),
		cursors:  make(map[string]int64),
	}
}

// Listen binds the QUIC listener.
func (n *Node) Listen() error {
	tlsConf, err := quicutil.ServerConfig(n.cfg.Identity, n.cfg.NodeID, ALPN)
	if err != nil {
		return err
	}
	l, err := ListenQUIC(n.cfg.ListenAddr, tlsConf)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddr, err)
	}
	n.listener = l
	return nil
}

// Addr returns the bound QUIC address, or "" before Listen.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr()
}

func (n *Node) Close() error {
	if n.listener == nil {
		return nil
	}
	return n.listener.Close()
}

// Serve accepts advert connections until ctx is done.
func (n *Node) Serve(ctx context.Context) error {
	if n.listener == nil {
		return errors.New("transport: Serve called before Listen")
	}
	for {
		conn, err := n.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			n.logger.Error(err, "failed to accept QUIC connection")
			n.recordConn("inbound", false)
			continue
		}
		if !n.limiters.Allow(conn.RemoteAddr()) {
			n.logger.WithPeer(conn.RemoteAddr()).Warn("advert connection rate limited")
			n.recordConn("inbound", false)
			conn.Close()
			continue
		}

		n.logger.ConnectionEstablished(conn.RemoteAddr(), "inbound", peerSID(conn))
		n.recordConn("inbound", true)
		go n.handleConnection(ctx, conn)
	}
}

func (n *Node) handleConnection(ctx context.Context, conn *QUICConnection) {
	defer n.recordClose()
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, n.cfg.ExchangeTimeout)
	defer cancel()

	cs, stream, err := conn.AcceptControlStream(ctx)
	if err != nil {
		n.logger.Error(err, "failed to accept control stream")
		return
	}
	stop := context.AfterFunc(ctx, func() { stream.CancelRead(0); stream.CancelWrite(0) })
	defer stop()

	if err := cs.SendHello(n.hello()); err != nil {
		n.logger.Error(err, "failed to send hello")
		return
	}
	if err := n.readFrames(ctx, cs, conn.RemoteAddr(), true); err != nil {
		n.logger.WithPeer(conn.RemoteAddr()).Error(err, "advert exchange failed")
		return
	}
	stream.Close()

	// Wait for the dialer to drain our replies and hang up.
	select {
	case <-conn.conn.Context().Done():
	case <-ctx.Done():
	}
}

// readFrames consumes the peer's side of an exchange: a Hello then any
// frames until EOF. When answer is set, manifest requests are replied to.
func (n *Node) readFrames(ctx context.Context, cs *ControlStream, remote string, answer bool) error {
	first, err := cs.Receive()
	if err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	if first.Type != FrameHello {
		return fmt.Errorf("expected hello, got %s", first.Type)
	}
	peer := resolvePeer(first.Hello.HTTPAddr, remote)

	received := 0
	defer func() {
		if received > 0 {
			n.logger.AdvertReceived(peer, received)
		}
	}()
	for {
		f, err := cs.Receive()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, ErrBadFrame) {
			n.logger.WithPeer(peer).Warn(err.Error())
			continue
		}
		if err != nil {
			return err
		}

		switch f.Type {
		case FrameAdvert:
			received++
			if n.metrics != nil {
				n.metrics.AdvertsReceivedTotal.Inc()
			}
			if n.handler != nil && peer != "" {
				n.handler.HandleAdvert(ctx, f.Manifest, peer)
			}
		case FrameManifestRequest:
			if !answer {
				continue
			}
			m, err := n.src.ManifestByPrefix(ctx, f.Prefix)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := cs.SendAdvert(m); err != nil {
				return err
			}
			n.countSent(1)
		case FrameHello:
			// A repeated hello is harmless.
		}
	}
}

func (n *Node) hello() *Hello {
	return &Hello{HTTPAddr: n.cfg.HTTPAddr, Node: n.cfg.NodeID}
}

// resolvePeer fills in the host of an announced HTTP address from the
// connection's remote address when the announcement left it out.
func resolvePeer(announced, remote string) string {
	if announced == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(announced)
	if err != nil {
		return announced
	}
	if host == "" || net.ParseIP(host).IsUnspecified() {
		host = ratelimit.HostOf(remote)
	}
	return net.JoinHostPort(host, port)
}

// Run advertises to every configured peer each interval, or sooner after
// Kick, until ctx is done.
func (n *Node) Run(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Interval)
	defer ticker.Stop()
	for {
		n.advertiseAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-n.kick:
		}
	}
}

// Kick triggers an advertising round without waiting for the ticker.
func (n *Node) Kick() {
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

func (n *Node) advertiseAll(ctx context.Context) {
	for _, peer := range n.cfg.Peers {
		if ctx.Err() != nil {
			return
		}
		if _, err := n.AdvertiseTo(ctx, peer); err != nil {
			n.logger.ConnectionFailed(peer, err)
		}
	}
}

// AdvertiseTo pushes the manifests stored since the last successful round
// with peer and returns how many were sent. Manifests the peer sends back
// reach the Handler.
func (n *Node) AdvertiseTo(ctx context.Context, peer string) (int, error) {
	n.mu.Lock()
	since := n.cursors[peer]
	n.mu.Unlock()

	entries, err := n.src.List(ctx, store.ListFilter{SinceRowID: since, Limit: n.cfg.BatchSize, Ascending: true})
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	err = n.exchange(ctx, peer, func(cs *ControlStream) error {
		for _, e := range entries {
			if err := cs.SendAdvert(e.Manifest); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	n.countSent(len(entries))
	n.mu.Lock()
	if last := entries[len(entries)-1].RowID; last > n.cursors[peer] {
		n.cursors[peer] = last
	}
	n.mu.Unlock()
	return len(entries), nil
}

// RequestManifests asks peer for the manifests matching each bundle id
// prefix. Answers are delivered to the Handler before this returns.
func (n *Node) RequestManifests(ctx context.Context, peer string, prefixes ...[]byte) error {
	return n.exchange(ctx, peer, func(cs *ControlStream) error {
		for _, p := range prefixes {
			if err := cs.SendManifestRequest(p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (n *Node) exchange(ctx context.Context, peer string, send func(*ControlStream) error) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.ExchangeTimeout)
	defer cancel()

	n.tlsOnce.Do(func() {
		n.clientTLS, n.tlsErr = quicutil.ClientConfig(n.cfg.Identity, n.cfg.NodeID, ALPN)
	})
	if n.tlsErr != nil {
		return n.tlsErr
	}
	conn, err := DialQUIC(ctx, peer, n.clientTLS)
	if err != nil {
		n.recordConn("outbound", false)
		return fmt.Errorf("failed to dial %s: %w", peer, err)
	}
	n.recordConn("outbound", true)
	n.logger.ConnectionEstablished(peer, "outbound", peerSID(conn))
	defer n.recordClose()
	defer conn.Close()

	cs, stream, err := conn.OpenControlStream(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { stream.CancelRead(0); stream.CancelWrite(0) })
	defer stop()

	if err := cs.SendHello(n.hello()); err != nil {
		return err
	}
	if err := send(cs); err != nil {
		return err
	}
	if err := stream.Close(); err != nil {
		return err
	}
	return n.readFrames(ctx, cs, conn.RemoteAddr(), false)
}

func peerSID(conn *QUICConnection) string {
	if sid, ok := conn.PeerSID(); ok {
		return sid.String()
	}
	return ""
}

func (n *Node) countSent(k int) {
	if n.metrics != nil {
		n.metrics.AdvertsSentTotal.Add(float64(k))
	}
}

func (n *Node) recordConn(direction string, ok bool) {
	if n.metrics != nil {
		n.metrics.RecordQUICConnection(direction, ok)
	}
}

func (n *Node) recordClose() {
	if n.metrics != nil {
		n.metrics.RecordQUICConnectionClose()
	}
}
