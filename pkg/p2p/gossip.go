// Package p2p spreads committed exchange events over libp2p gossipsub so
// remote read models can follow a node without polling its API. Missed
// events are fetched from a peer over a request/response stream.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperexchange/pkg/app/core/event"
)

const (
	DefaultTopic = "hyperexchange-events"
	protocolSync = protocol.ID("/hyperexchange/sync/1.0.0")

	maxSyncLimit = 512
	syncTimeout  = 5 * time.Second
)

// Source is a committed event stream. *exchange.Engine implements it.
type Source interface {
	Events(from uint64, limit int) []event.Event
	Subscribe(buffer int) *event.Subscription
}

// Gossip publishes local events and relays remote ones. It also implements
// Source itself: Subscribe yields events gossiped by peers and Events pages
// them from a connected peer, so an indexer can follow a remote node.
type Gossip struct {
	h     host.Host
	ps    *pubsub.PubSub
	log   *zap.SugaredLogger
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	feed  *event.Feed

	muSrc  sync.RWMutex
	source Source
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	Topic      string
	Logger     *zap.SugaredLogger
}

func NewGossip(ctx context.Context, cfg Config) (*Gossip, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	g := &Gossip{h: h, ps: ps, log: cfg.Logger, feed: event.NewFeed()}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if g.topic, err = ps.Join(cfg.Topic); err != nil {
		h.Close()
		return nil, err
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}

	h.SetStreamHandler(protocolSync, g.handleSyncStream)
	go g.handleEvents(ctx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *Gossip) Host() host.Host { return g.h }

// Addrs returns the host's dialable addresses including its peer id, in the
// form accepted as a bootstrap entry.
func (g *Gossip) Addrs() []string {
	out := make([]string, 0, len(g.h.Addrs()))
	for _, a := range g.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, g.h.ID()))
	}
	return out
}

// TopicPeers is the number of peers currently seen on the event topic.
func (g *Gossip) TopicPeers() int { return len(g.topic.ListPeers()) }

func (g *Gossip) Close() error {
	g.sub.Cancel()
	g.feed.Close()
	return g.h.Close()
}

// outbound

func (g *Gossip) Publish(ctx context.Context, e event.Event) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

// Run serves sync requests from src and gossips every event src commits from
// now on until ctx ends.
func (g *Gossip) Run(ctx context.Context, src Source) error {
	g.muSrc.Lock()
	g.source = src
	g.muSrc.Unlock()

	sub := src.Subscribe(256)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := g.Publish(ctx, e); err != nil {
				g.log.Warnw("gossip_publish_failed", "seq", e.Seq, "err", err)
			}
		}
	}
}

// Source implementation for remote followers

// Subscribe returns events gossiped by peers.
func (g *Gossip) Subscribe(buffer int) *event.Subscription {
	return g.feed.Subscribe(buffer)
}

// Events fetches a page from the first connected peer that answers. It
// returns nil when no peer could serve the request.
func (g *Gossip) Events(from uint64, limit int) []event.Event {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	for _, p := range g.h.Network().Peers() {
		evs, err := g.FetchEvents(ctx, p, from, limit)
		if err != nil {
			g.log.Debugw("sync_failed", "peer", p.String(), "from", from, "err", err)
			continue
		}
		return evs
	}
	return nil
}

// FetchEvents asks p for events starting at from.
func (g *Gossip) FetchEvents(ctx context.Context, p peer.ID, from uint64, limit int) ([]event.Event, error) {
	s, err := g.h.NewStream(ctx, p, protocolSync)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		s.SetDeadline(dl)
	}

	req, err := encode(SyncRequest{From: from, Limit: limit})
	if err != nil {
		return nil, err
	}
	if _, err := s.Write(req); err != nil {
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(s)
	if err != nil {
		return nil, err
	}
	var resp SyncResponse
	if err := decode(data, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Events, nil
}

// inbound

func (g *Gossip) handleEvents(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		var e event.Event
		if err := decode(msg.Data, &e); err != nil {
			g.log.Debugw("gossip_bad_event", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		g.feed.Publish(e)
	}
}

func (g *Gossip) handleSyncStream(s network.Stream) {
	defer s.Close()
	s.SetDeadline(time.Now().Add(syncTimeout))

	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	var resp SyncResponse
	var req SyncRequest
	if err := decode(data, &req); err != nil {
		resp.Error = "bad request"
	} else {
		g.muSrc.RLock()
		src := g.source
		g.muSrc.RUnlock()
		switch {
		case src == nil:
			resp.Error = "no event source"
		default:
			limit := req.Limit
			if limit <= 0 || limit > maxSyncLimit {
				limit = maxSyncLimit
			}
			resp.Events = src.Events(req.From, limit)
		}
	}

	out, err := encode(resp)
	if err != nil {
		return
	}
	s.Write(out)
}
