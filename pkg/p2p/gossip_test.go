package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/asset"
	"github.com/uhyunpark/hyperexchange/pkg/app/exchange"
	"github.com/uhyunpark/hyperexchange/pkg/app/token"
	"github.com/uhyunpark/hyperexchange/pkg/indexer"
)

var (
	user       = common.HexToAddress("0xAA00000000000000000000000000000000000003")
	feeAccount = common.HexToAddress("0xFEE0000000000000000000000000000000000002")
	custody    = common.HexToAddress("0xEE00000000000000000000000000000000000005")
)

func newNode(t *testing.T, ctx context.Context, bootstrap ...string) *Gossip {
	t.Helper()
	g, err := NewGossip(ctx, Config{ListenAddr: "/ip4/127.0.0.1/tcp/0", Bootstrap: bootstrap, Topic: "test-events"})
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestRemoteIndexerFollowsGossip(t *testing.T) {
	if testing.Short() {
		t.Skip("opens libp2p hosts")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bank := token.NewBank()
	require.NoError(t, bank.Mint(user, asset.Ether("10")))
	eng, err := exchange.New(exchange.Config{FeeAccount: feeAccount, FeePercent: 10, Custody: custody}, bank)
	require.NoError(t, err)
	// history from before the remote joins
	_, err = eng.DepositNative(user, asset.Ether("2"))
	require.NoError(t, err)

	origin := newNode(t, ctx)
	go origin.Run(ctx, eng)

	remote := newNode(t, ctx, origin.Addrs()...)
	require.Eventually(t, func() bool {
		return origin.TopicPeers() > 0 && remote.TopicPeers() > 0
	}, 10*time.Second, 50*time.Millisecond, "gossip mesh never formed")

	// sync stream serves the backlog
	require.Eventually(t, func() bool { return len(remote.Events(1, 10)) == 1 }, 5*time.Second, 50*time.Millisecond)

	ix := indexer.New(feeAccount, nil)
	go ix.Run(ctx, remote)
	require.Eventually(t, func() bool { return ix.LastSeq() == 1 }, 5*time.Second, 20*time.Millisecond)

	_, err = eng.WithdrawNative(user, asset.Ether("1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ix.LastSeq() == 2 }, 10*time.Second, 20*time.Millisecond)
	require.True(t, ix.Balances(user)[asset.Native].Eq(asset.Ether("1")))
}

func TestSyncWithoutSourceFails(t *testing.T) {
	if testing.Short() {
		t.Skip("opens libp2p hosts")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(t, ctx)
	b := newNode(t, ctx, a.Addrs()...)
	_, err := b.FetchEvents(ctx, a.Host().ID(), 1, 10)
	require.ErrorContains(t, err, "no event source")
}
