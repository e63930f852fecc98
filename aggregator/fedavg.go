// Package aggregator folds the weight updates of a round into a global model.
package aggregator

import (
	"fmt"
	"sort"

	"github.com/fedgen/fedgen/model"
	fgerrors "github.com/fedgen/fedgen/model/errors"
)

// Aggregator combines the updates of one round.
type Aggregator interface {
	Aggregate(round uint64, updates []*model.Update) (*model.GlobalModel, error)
}

// FedAvg is the sample weighted federated average.
type FedAvg struct{}

// NewFedAvg returns the federated averaging aggregator.
func NewFedAvg() *FedAvg {
	return &FedAvg{}
}

// Aggregate returns, for every coefficient and the bias, the average of the
// updates weighted by their sample counts. Updates are folded in node id order
// so that the result does not depend on arrival order. The inputs are not
// modified.
func (f *FedAvg) Aggregate(round uint64, updates []*model.Update) (*model.GlobalModel, error) {
	if len(updates) == 0 {
		return nil, fgerrors.ErrNoUpdatesAvailable
	}

	sorted := make([]*model.Update, len(updates))
	copy(sorted, updates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].NodeID < sorted[j].NodeID
	})

	dim := sorted[0].Weights.Dim()
	total := 0
	for _, u := range sorted {
		if u.Weights.Dim() != dim {
			return nil, fmt.Errorf("%w: node %s sent %d coefficients, node %s sent %d",
				fgerrors.ErrDimensionMismatch, u.NodeID, u.Weights.Dim(), sorted[0].NodeID, dim)
		}
		if u.NSamples <= 0 {
			return nil, fmt.Errorf("%w: node %s reported %d samples", fgerrors.ErrInvalidInput, u.NodeID, u.NSamples)
		}
		total += u.NSamples
	}

	if len(sorted) == 1 {
		g := &model.GlobalModel{
			Round:        round,
			Weights:      sorted[0].Weights.Copy(),
			TotalSamples: total,
			Nodes:        []string{sorted[0].NodeID},
		}
		g.Digest = g.Hash()
		return g, nil
	}

	coeffs := make([]float64, dim)
	var bias float64
	nodes := make([]string, 0, len(sorted))
	for _, u := range sorted {
		share := float64(u.NSamples) / float64(total)
		for j, c := range u.Weights.Coefficients {
			coeffs[j] += c * share
		}
		bias += u.Weights.Bias * share
		nodes = append(nodes, u.NodeID)
	}

	g := &model.GlobalModel{
		Round:        round,
		Weights:      model.Weights{Coefficients: coeffs, Bias: bias},
		TotalSamples: total,
		Nodes:        nodes,
	}
	g.Digest = g.Hash()
	return g, nil
}
