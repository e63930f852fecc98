package core

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/fedgen/fedgen/coordinator"
	"github.com/fedgen/fedgen/node"
	"github.com/fedgen/fedgen/transport"
)

// Simulation is the outcome of an in-process session.
type Simulation struct {
	Summary *coordinator.Summary
	// Samples is the local row count of every node.
	Samples map[string]int
}

// Simulate runs the hub and every node of the session inside the process over
// a memory transport. Nodes train concurrently.
func Simulate(ctx context.Context, conf *Config, s *Session) (*Simulation, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultSimulationTimeout)
	defer cancel()

	network := transport.NewMemoryNetwork(len(s.Nodes) * 2)
	nodes := make([]*node.Node, 0, len(s.Nodes))
	samples := make(map[string]int, len(s.Nodes))
	for _, ns := range s.Nodes {
		nconf, err := s.NodeConfig(ns.ID, conf.clock)
		if err != nil {
			return nil, err
		}
		p, err := network.Join(ns.ID)
		if err != nil {
			return nil, err
		}
		n, err := node.New(ctx, nconf, p, conf.logger)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
		samples[n.ID()] = n.Samples()
	}

	hub, err := NewHub(ctx, conf, s, network.Hub())
	if err != nil {
		return nil, err
	}
	defer hub.Close()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		nodeErrs *multierror.Error
	)
	nodeCtx, stopNodes := context.WithCancel(ctx)
	defer stopNodes()
	for _, n := range nodes {
		wg.Add(1)
		go func(n *node.Node) {
			defer wg.Done()
			if _, err := n.Run(nodeCtx); err != nil && nodeCtx.Err() == nil {
				mu.Lock()
				nodeErrs = multierror.Append(nodeErrs, fmt.Errorf("node %s: %w", n.ID(), err))
				mu.Unlock()
			}
		}(n)
	}

	summary, err := hub.Run(ctx)
	// nodes still waiting after an abort without final broadcast are released
	stopNodes()
	wg.Wait()

	sim := &Simulation{Summary: summary, Samples: samples}
	if err != nil {
		return sim, err
	}
	if err := nodeErrs.ErrorOrNil(); err != nil {
		return sim, err
	}
	return sim, nil
}

// NodeIDs returns the sorted node ids of the simulation.
func (s *Simulation) NodeIDs() []string {
	ids := make([]string, 0, len(s.Samples))
	for id := range s.Samples {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
