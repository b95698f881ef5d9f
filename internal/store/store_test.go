package store

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/roomchat/internal/protocol"
	"github.com/1ureka/roomchat/internal/registry"
)

var _ registry.Store = (*PeerDB)(nil)

func open(t *testing.T) (*PeerDB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peers.db")
	db, err := Open(path)
	require.NoError(t, err)
	return db, path
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	db, path := open(t)

	records := []protocol.Record{
		{Room: -5, Addr: netip.MustParseAddrPort("10.0.0.2:7070")},
		{Room: 3, Addr: netip.MustParseAddrPort("10.0.0.1:7071")},
		{Room: 3, Addr: netip.MustParseAddrPort("10.0.0.1:7071")},
	}
	require.NoError(t, db.SavePeers(ctx, records))
	require.NoError(t, db.Close())

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.LoadPeers(ctx)
	require.NoError(t, err)
	assert.Equal(t, records[:2], got)
}

func TestSaveReplaces(t *testing.T) {
	ctx := context.Background()
	db, _ := open(t)
	defer db.Close()

	require.NoError(t, db.SavePeers(ctx, []protocol.Record{{Room: 1, Addr: netip.MustParseAddrPort("10.0.0.1:1")}}))
	require.NoError(t, db.SavePeers(ctx, []protocol.Record{{Room: 2, Addr: netip.MustParseAddrPort("10.0.0.2:2")}}))

	got, err := db.LoadPeers(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int8(2), got[0].Room)
}

func TestRegistryRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, _ := open(t)
	defer db.Close()

	hosts := registry.New(0)
	hosts.Add(hosts.NewHost(4, netip.MustParseAddrPort("10.0.0.1:7070")))
	hosts.Add(hosts.NewHost(4, netip.MustParseAddrPort("10.0.0.2:7070")))
	require.NoError(t, hosts.Save(ctx, db))

	restored := registry.New(0)
	restored.Add(restored.NewHost(4, netip.MustParseAddrPort("10.0.0.1:7070")))
	added, err := restored.Load(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, added, "peers already present are not duplicated")
	assert.Len(t, restored.ByRoom(4), 2)
}
