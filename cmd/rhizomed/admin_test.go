package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhizomemesh/rhizome/daemon/config"
	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/internal/bundle"
	"github.com/rhizomemesh/rhizome/internal/crypto"
)

func runDaemonCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RHIZOME_DATA_DIR", dir)
	t.Setenv("RHIZOME_PASSPHRASE", "correct horse")

	out, err := runDaemonCmd(t, "keygen")
	require.NoError(t, err)
	assert.Contains(t, out, "sid:")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	id, err := crypto.LoadIdentity(cfg.KeystorePath(), "correct horse")
	require.NoError(t, err)
	assert.Contains(t, out, id.SID().String())

	_, err = runDaemonCmd(t, "keygen")
	assert.ErrorContains(t, err, "already exists")

	out, err = runDaemonCmd(t, "keygen", "--force")
	require.NoError(t, err)
	assert.NotContains(t, out, id.SID().String())
}

func TestGC(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RHIZOME_DATA_DIR", dir)
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	past := func() time.Time { return time.Now().Add(-2 * time.Hour) }
	st, err := store.Open(cfg.StoreDir(), nil, store.WithClock(past))
	require.NoError(t, err)
	b, err := bundle.Create(strings.NewReader("short lived"), bundle.Options{Name: "tmp"})
	require.NoError(t, err)
	defer b.Cleanup()
	f, err := b.Open()
	require.NoError(t, err)
	_, err = st.ImportBundle(context.Background(), b.Manifest, f, nil, nil)
	f.Close()
	require.NoError(t, err)
	require.NoError(t, st.Delete(context.Background(), b.Manifest.ID))
	require.NoError(t, st.Close())

	out, err := runDaemonCmd(t, "gc", "--max-age", "3h")
	require.NoError(t, err)
	assert.Equal(t, "removed 0 payload blobs unused for 3h0m0s\n", out)

	out, err = runDaemonCmd(t, "gc", "--max-age", "1h")
	require.NoError(t, err)
	assert.Equal(t, "removed 1 payload blobs unused for 1h0m0s\n", out)

	st, err = store.Open(cfg.StoreDir(), nil)
	require.NoError(t, err)
	defer st.Close()
	assert.False(t, st.HasPayload(b.Manifest.FileHash))
}
