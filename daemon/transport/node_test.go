package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/internal/quicutil"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

type fakeSource struct {
	entries []*store.Entry
}

func (s *fakeSource) add(m *rhizome.Manifest) {
	s.entries = append(s.entries, &store.Entry{RowID: int64(len(s.entries) + 1), Manifest: m})
}

func (s *fakeSource) List(ctx context.Context, f store.ListFilter) ([]*store.Entry, error) {
	var out []*store.Entry
	for _, e := range s.entries {
		if e.RowID > f.SinceRowID {
			out = append(out, e)
		}
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *fakeSource) ManifestByPrefix(ctx context.Context, prefix []byte) (*rhizome.Manifest, error) {
	for _, e := range s.entries {
		if e.Manifest.ID.HasPrefix(prefix) {
			return e.Manifest, nil
		}
	}
	return nil, store.ErrNotFound
}

type advert struct {
	id   rhizome.BundleID
	peer string
}

type collector struct {
	mu   sync.Mutex
	seen []advert
}

func (c *collector) HandleAdvert(ctx context.Context, m *rhizome.Manifest, peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, advert{id: m.ID, peer: peer})
}

func (c *collector) adverts() []advert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]advert(nil), c.seen...)
}

func startNode(t *testing.T, httpAddr string, src Source, h Handler) *Node {
	t.Helper()
	n := NewNode(Config{ListenAddr: "127.0.0.1:0", HTTPAddr: httpAddr, ExchangeTimeout: 5 * time.Second}, src, h, nil, nil)
	require.NoError(t, n.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	go n.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		n.Close()
	})
	return n
}

func TestAdvertiseToPeer(t *testing.T) {
	srcA := &fakeSource{}
	m1, m2 := signedManifest(t, 1), signedManifest(t, 2)
	srcA.add(m1)
	srcA.add(m2)
	a := NewNode(Config{HTTPAddr: ":8080", ExchangeTimeout: 5 * time.Second}, srcA, nil, nil, nil)

	got := &collector{}
	b := startNode(t, ":9090", &fakeSource{}, got)
	ctx := context.Background()

	n, err := a.AdvertiseTo(ctx, b.Addr())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool { return len(got.adverts()) == 2 }, 5*time.Second, 10*time.Millisecond)
	adverts := got.adverts()
	assert.Equal(t, m1.ID, adverts[0].id)
	assert.Equal(t, m2.ID, adverts[1].id)
	assert.Equal(t, "127.0.0.1:8080", adverts[0].peer)

	// Nothing new since the last round.
	n, err = a.AdvertiseTo(ctx, b.Addr())
	require.NoError(t, err)
	assert.Zero(t, n)

	m3 := signedManifest(t, 3)
	srcA.add(m3)
	n, err = a.AdvertiseTo(ctx, b.Addr())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRequestManifests(t *testing.T) {
	srcB := &fakeSource{}
	want := signedManifest(t, 9)
	srcB.add(want)
	b := startNode(t, ":9090", srcB, nil)

	got := &collector{}
	a := NewNode(Config{HTTPAddr: ":8080", ExchangeTimeout: 5 * time.Second}, &fakeSource{}, got, nil, nil)

	missing := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if want.ID.HasPrefix(missing) {
		missing = []byte{0x00, 0x00, 0x00, 0x00}
	}
	require.NoError(t, a.RequestManifests(context.Background(), b.Addr(), want.ID[:4], missing))

	adverts := got.adverts()
	require.Len(t, adverts, 1)
	assert.Equal(t, want.ID, adverts[0].id)
	assert.Equal(t, "127.0.0.1:9090", adverts[0].peer)
}

func TestAdvertiseToUnreachablePeer(t *testing.T) {
	src := &fakeSource{}
	src.add(signedManifest(t, 1))
	a := NewNode(Config{ExchangeTimeout: 500 * time.Millisecond}, src, nil, nil, nil)

	_, err := a.AdvertiseTo(context.Background(), "127.0.0.1:1")
	assert.Error(t, err)
}

func TestConnectionCarriesPeerSID(t *testing.T) {
	_, serverKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, clientKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	serverTLS, err := quicutil.ServerConfig(serverKey, "b", ALPN)
	require.NoError(t, err)
	clientTLS, err := quicutil.ClientConfig(clientKey, "a", ALPN)
	require.NoError(t, err)

	l, err := ListenQUIC("127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	accepted := make(chan *QUICConnection, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	conn, err := DialQUIC(ctx, l.Addr(), clientTLS)
	require.NoError(t, err)
	defer conn.Close()

	sid, ok := conn.PeerSID()
	require.True(t, ok)
	assert.Equal(t, []byte(serverKey.Public().(ed25519.PublicKey)), sid[:])

	inbound := <-accepted
	require.NotNil(t, inbound)
	defer inbound.Close()
	sid, ok = inbound.PeerSID()
	require.True(t, ok)
	assert.Equal(t, []byte(clientKey.Public().(ed25519.PublicKey)), sid[:])
}
