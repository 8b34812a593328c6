package transport

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/rhizomemesh/rhizome/internal/quicutil"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 60 * time.Second,
		HandshakeIdleTimeout:           5 * time.Second,
		InitialStreamReceiveWindow:     512 << 10,
		InitialConnectionReceiveWindow: 1 << 20,
	}
}

// QUICConnection wraps an advert connection. One bidirectional stream
// carries a whole exchange.
type QUICConnection struct {
	conn *quic.Conn
}

// OpenControlStream opens the stream adverts are pushed on.
func (q *QUICConnection) OpenControlStream(ctx context.Context) (*ControlStream, *quic.Stream, error) {
	stream, err := q.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, nil, err
	}
	return NewControlStream(stream), stream, nil
}

// AcceptControlStream accepts the stream opened by the dialing peer.
func (q *QUICConnection) AcceptControlStream(ctx context.Context) (*ControlStream, *quic.Stream, error) {
	stream, err := q.conn.AcceptStream(ctx)
	if err != nil {
		return nil, nil, err
	}
	return NewControlStream(stream), stream, nil
}

// PeerSID is the identity the peer's certificate was signed with.
func (q *QUICConnection) PeerSID() (rhizome.SubscriberID, bool) {
	var sid rhizome.SubscriberID
	key, err := quicutil.PeerKey(q.conn.ConnectionState().TLS)
	if err != nil || len(key) != len(sid) {
		return sid, false
	}
	copy(sid[:], key)
	return sid, true
}

// RemoteAddr returns the peer's UDP address.
func (q *QUICConnection) RemoteAddr() string {
	return q.conn.RemoteAddr().String()
}

func (q *QUICConnection) Close() error {
	return q.conn.CloseWithError(0, "exchange done")
}

// DialQUIC establishes a QUIC connection to a remote address.
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) (*QUICConnection, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, err
	}
	return &QUICConnection{conn: conn}, nil
}

// ListenQUIC starts a QUIC listener.
func ListenQUIC(addr string, tlsConfig *tls.Config) (*QUICListener, error) {
	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, err
	}
	return &QUICListener{listener: listener}, nil
}

// QUICListener wraps a QUIC listener.
type QUICListener struct {
	listener *quic.Listener
}

func (l *QUICListener) Accept(ctx context.Context) (*QUICConnection, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &QUICConnection{conn: conn}, nil
}

func (l *QUICListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *QUICListener) Addr() string {
	return l.listener.Addr().String()
}
