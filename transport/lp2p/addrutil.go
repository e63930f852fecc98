package lp2p

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	madns "github.com/multiformats/go-multiaddr-dns"
	"golang.org/x/xerrors"
)

const dnsResolveTimeout = 10 * time.Second

func hasPeerID(addr ma.Multiaddr) bool {
	_, last := ma.SplitLast(addr)
	return last != nil && last.Protocol().Code == ma.P_P2P
}

// resolveAddresses turns peer addresses into AddrInfos, resolving dnsaddr and
// dns components concurrently. Every address must end up with a peer id.
func resolveAddresses(ctx context.Context, addrs []ma.Multiaddr, resolver *madns.Resolver) ([]peer.AddrInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, dnsResolveTimeout)
	defer cancel()

	if resolver == nil {
		resolver = madns.DefaultResolver
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		errs   *multierror.Error
		maddrs []ma.Multiaddr
	)
	for _, addr := range addrs {
		if hasPeerID(addr) && !madns.Matches(addr) {
			maddrs = append(maddrs, addr)
			continue
		}
		wg.Add(1)
		go func(maddr ma.Multiaddr) {
			defer wg.Done()
			raddrs, err := resolver.Resolve(ctx, maddr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, xerrors.Errorf("resolving %s: %w", maddr, err))
				return
			}
			found := 0
			for _, raddr := range raddrs {
				if hasPeerID(raddr) {
					maddrs = append(maddrs, raddr)
					found++
				}
			}
			if found == 0 {
				errs = multierror.Append(errs, xerrors.Errorf("no peer id found at %s", maddr))
			}
		}(addr)
	}
	wg.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return peer.AddrInfosFromP2pAddrs(maddrs...)
}
