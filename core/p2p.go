package core

import (
	"context"
	"fmt"
	"path"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/fedgen/fedgen/fs"
	"github.com/fedgen/fedgen/model"
	"github.com/fedgen/fedgen/node"
	"github.com/fedgen/fedgen/transport/lp2p"
)

// NewP2PEndpoint opens the libp2p identity and peerstore kept in folder and
// starts a host listening on listen.
func NewP2PEndpoint(conf *Config, folder, listen string, bootstrap []string) (*lp2p.Endpoint, error) {
	if _, err := fs.CreateSecureFolder(folder); err != nil {
		return nil, err
	}
	l := conf.logger
	priv, err := lp2p.LoadOrCreatePrivKey(path.Join(folder, DefaultIdentityFile), l)
	if err != nil {
		return nil, err
	}
	peers, err := lp2p.ParseMultiaddrSlice(bootstrap)
	if err != nil {
		return nil, err
	}
	ds, err := lp2p.OpenDatastore(folder)
	if err != nil {
		return nil, err
	}
	e, err := lp2p.ConstructHost(ds, priv, listen, peers, l)
	if err != nil {
		_ = ds.Close()
		return nil, err
	}
	return e, nil
}

// NewP2PHub starts a hub for the session reachable over libp2p.
func NewP2PHub(ctx context.Context, conf *Config, s *Session) (*Hub, *lp2p.Endpoint, error) {
	e, err := NewP2PEndpoint(conf, conf.configFolder, conf.listenAddr, nil)
	if err != nil {
		return nil, nil, err
	}
	tr, err := lp2p.NewHub(e, s.SessionID(), conf.clock, conf.logger)
	if err != nil {
		_ = e.Close()
		return nil, nil, err
	}
	h, err := NewHub(ctx, conf, s, tr)
	if err != nil {
		_ = e.Close()
		return nil, nil, err
	}
	h.OnClose(e)
	addrs, err := e.Multiaddrs()
	if err == nil {
		conf.logger.Infow("", "hub", "listening", "addrs", addrs)
	}
	return h, e, nil
}

// RunNode joins the session as node id over libp2p and trains until the hub
// announces the end of the session. peers are dialed in addition to the hub
// address of the session.
func RunNode(ctx context.Context, conf *Config, s *Session, id string, peers []string) (*model.Broadcast, error) {
	nconf, err := s.NodeConfig(id, conf.clock)
	if err != nil {
		return nil, err
	}
	var hubID peer.ID
	if s.Hub != "" {
		addr, err := ma.NewMultiaddr(s.Hub)
		if err != nil {
			return nil, fmt.Errorf("parsing hub address: %w", err)
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("hub address without peer id: %w", err)
		}
		hubID = info.ID
		peers = append(peers, s.Hub)
	}

	e, err := NewP2PEndpoint(conf, path.Join(conf.configFolder, id), conf.listenAddr, peers)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	p, err := lp2p.NewParticipant(e, s.SessionID(), id, hubID, conf.clock, conf.logger)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	n, err := node.New(ctx, nconf, p, conf.logger)
	if err != nil {
		return nil, err
	}
	return n.Run(ctx)
}
