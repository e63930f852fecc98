// Package lp2p carries broadcasts and updates over libp2p gossipsub. Every
// session uses two topics: one the hub publishes global models on, one the
// nodes publish their updates on.
package lp2p

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	mrand "math/rand"
	"os"
	"path"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	bds "github.com/ipfs/go-ds-badger2"
	"github.com/libp2p/go-libp2p"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/host/peerstore/pstoreds"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsubpb "github.com/libp2p/go-libp2p-pubsub/pb"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/xerrors"

	"github.com/fedgen/fedgen/common/log"
)

const (
	// userAgent sets the libp2p user-agent which is sent along with the identify protocol.
	userAgent = "fedgen/0.1.0"
	// directConnectTicks makes pubsub check it's connected to direct peers every N seconds.
	directConnectTicks uint64 = 5
	lowWater                  = 16
	highWater                 = 64
	gracePeriod               = time.Minute
	bootstrapTimeout          = 5 * time.Second
)

// BroadcastTopic is the topic the hub of session publishes global models on.
func BroadcastTopic(session string) string {
	return fmt.Sprintf("/fedgen/pubsub/v0.1.0/%s/broadcast", session)
}

// UpdateTopic is the topic the nodes of session publish their updates on.
func UpdateTopic(session string) string {
	return fmt.Sprintf("/fedgen/pubsub/v0.1.0/%s/update", session)
}

// Endpoint is a libp2p host with its gossipsub router. Peers it connected to
// are remembered in the datastore and dialed again on the next start.
type Endpoint struct {
	Host   host.Host
	PubSub *pubsub.PubSub
	peers  peerstore.Peerstore
	ds     datastore.Batching
	l      log.Logger
}

// ConstructHost builds a libp2p host listening on listenAddr and a gossipsub
// router treating bootstrap as direct peers. ds holds the known peers.
func ConstructHost(ds datastore.Batching, priv crypto.PrivKey, listenAddr string,
	bootstrap []ma.Multiaddr, l log.Logger) (*Endpoint, error) {
	ctx := context.Background()

	pstoreDs := namespace.Wrap(ds, datastore.NewKey("/peerstore"))
	pstore, err := pstoreds.NewPeerstore(ctx, pstoreDs, pstoreds.DefaultOpts())
	if err != nil {
		return nil, xerrors.Errorf("creating peerstore: %w", err)
	}
	peerID, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, xerrors.Errorf("computing peerid: %w", err)
	}
	if err := pstore.AddPrivKey(peerID, priv); err != nil {
		return nil, xerrors.Errorf("adding priv to keystore: %w", err)
	}

	addrInfos, err := resolveAddresses(ctx, bootstrap, nil)
	if err != nil {
		return nil, xerrors.Errorf("parsing addrInfos: %w", err)
	}

	cmgr, err := connmgr.NewConnManager(lowWater, highWater, connmgr.WithGracePeriod(gracePeriod))
	if err != nil {
		return nil, xerrors.Errorf("constructing connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Peerstore(pstore),
		libp2p.ChainOptions(
			libp2p.Security(libp2ptls.ID, libp2ptls.New),
			libp2p.Security(noise.ID, noise.New)),
		libp2p.DisableRelay(),
		libp2p.UserAgent(userAgent),
		libp2p.ConnectionManager(cmgr),
	}
	if listenAddr != "" {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddr))
	} else {
		opts = append(opts, libp2p.NoListenAddrs)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, xerrors.Errorf("constructing host: %w", err)
	}

	p, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithMessageIdFn(func(pmsg *pubsubpb.Message) string {
			hash := blake2b.Sum256(pmsg.Data)
			return string(hash[:])
		}),
		pubsub.WithDirectPeers(addrInfos),
		pubsub.WithFloodPublish(true),
		pubsub.WithDirectConnectTicks(directConnectTicks),
	)
	if err != nil {
		_ = h.Close()
		return nil, xerrors.Errorf("constructing pubsub: %w", err)
	}

	e := &Endpoint{Host: h, PubSub: p, peers: pstore, ds: ds, l: l}
	go e.bootstrap(ctx, append(addrInfos, e.knownPeers(peerID)...))
	return e, nil
}

// knownPeers returns the peers remembered from previous runs.
func (e *Endpoint) knownPeers(self peer.ID) []peer.AddrInfo {
	var infos []peer.AddrInfo
	for _, id := range e.peers.PeersWithAddrs() {
		if id == self {
			continue
		}
		infos = append(infos, peer.AddrInfo{ID: id, Addrs: e.peers.Addrs(id)})
	}
	return infos
}

func (e *Endpoint) bootstrap(ctx context.Context, addrInfos []peer.AddrInfo) {
	mrand.Shuffle(len(addrInfos), func(i, j int) {
		addrInfos[i], addrInfos[j] = addrInfos[j], addrInfos[i]
	})
	for _, ai := range addrInfos {
		ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
		err := e.Host.Connect(ctx, ai)
		cancel()
		if err != nil {
			e.l.Warnw("", "construct_host", "could not bootstrap", "addr", ai, "err", err)
			continue
		}
		e.peers.AddAddrs(ai.ID, ai.Addrs, peerstore.PermanentAddrTTL)
	}
}

// Multiaddrs returns the dialable addresses of the endpoint, with its peer id.
func (e *Endpoint) Multiaddrs() ([]ma.Multiaddr, error) {
	base := e.Host.Addrs()
	out := make([]ma.Multiaddr, len(base))
	for i, a := range base {
		m, err := ma.NewMultiaddr(fmt.Sprintf("%s/p2p/%s", a, e.Host.ID()))
		if err != nil {
			return nil, xerrors.Errorf("building multiaddr: %w", err)
		}
		out[i] = m
	}
	return out, nil
}

// Close shuts the host down and closes the peerstore and the datastore.
func (e *Endpoint) Close() error {
	var result *multierror.Error
	if err := e.Host.Close(); err != nil {
		result = multierror.Append(result, xerrors.Errorf("closing host: %w", err))
	}
	if err := e.peers.Close(); err != nil {
		result = multierror.Append(result, xerrors.Errorf("closing peerstore: %w", err))
	}
	if err := e.ds.Close(); err != nil {
		result = multierror.Append(result, xerrors.Errorf("closing datastore: %w", err))
	}
	return result.ErrorOrNil()
}

// OpenDatastore opens the badger datastore holding the peers known under folder.
func OpenDatastore(folder string) (datastore.Batching, error) {
	ds, err := bds.NewDatastore(path.Join(folder, "peerstore"), nil)
	if err != nil {
		return nil, xerrors.Errorf("opening peer datastore: %w", err)
	}
	return ds, nil
}

// ParseMultiaddrSlice parses a list of addresses into multiaddrs
func ParseMultiaddrSlice(peers []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, len(peers))
	for i, p := range peers {
		m, err := ma.NewMultiaddr(p)
		if err != nil {
			return nil, xerrors.Errorf("parsing multiaddr\"%s\": %w", p, err)
		}
		out[i] = m
	}
	return out, nil
}

// LoadOrCreatePrivKey loads a base64 encoded libp2p private key from a file or creates one if it does not exist.
func LoadOrCreatePrivKey(identityPath string, l log.Logger) (crypto.PrivKey, error) {
	privB64, err := os.ReadFile(identityPath)

	var priv crypto.PrivKey
	switch {
	case err == nil:
		privBytes, err := base64.RawStdEncoding.DecodeString(string(privB64))
		if err != nil {
			return nil, xerrors.Errorf("decoding base64 key: %w", err)
		}
		priv, err = crypto.UnmarshalEd25519PrivateKey(privBytes)
		if err != nil {
			return nil, xerrors.Errorf("unmarshaling ed25519 key: %w", err)
		}
		l.Infow("", "load_or_create_priv_key", "loaded private key", "path", identityPath)

	case xerrors.Is(err, os.ErrNotExist):
		priv, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, xerrors.Errorf("generating private key: %w", err)
		}
		b, err := priv.Raw()
		if err != nil {
			return nil, xerrors.Errorf("marshaling private key: %w", err)
		}
		if err := os.MkdirAll(path.Dir(identityPath), 0755); err != nil {
			return nil, xerrors.Errorf("creating identity directory and parents: %w", err)
		}
		err = os.WriteFile(identityPath, []byte(base64.RawStdEncoding.EncodeToString(b)), 0600)
		if err != nil {
			return nil, xerrors.Errorf("writing identity file: %w", err)
		}
		l.Infow("", "load_or_create_priv_key", "created private key", "path", identityPath)

	default:
		return nil, xerrors.Errorf("getting private key: %w", err)
	}

	return priv, nil
}
