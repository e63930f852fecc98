package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	json "github.com/nikkolasg/hexjson"
	"golang.org/x/crypto/blake2b"
)

// GlobalModel is the aggregate held by the hub. Round 0 is the initial model.
type GlobalModel struct {
	Round        uint64   `json:"round"`
	Weights      Weights  `json:"weights"`
	TotalSamples int      `json:"total_samples"`
	Nodes        []string `json:"nodes_aggregated"`
	Digest       []byte   `json:"digest"`
}

// NewGlobalModel returns the round 0 model.
func NewGlobalModel(features int, init float64) *GlobalModel {
	g := &GlobalModel{Weights: NewWeights(features, init)}
	g.Digest = g.Hash()
	return g
}

// Hash returns the blake2b digest of the round number, the weights and the
// total sample count.
func (g *GlobalModel) Hash() []byte {
	var buff bytes.Buffer
	_ = binary.Write(&buff, binary.BigEndian, g.Round)
	for _, c := range g.Weights.Coefficients {
		_ = binary.Write(&buff, binary.BigEndian, math.Float64bits(c))
	}
	_ = binary.Write(&buff, binary.BigEndian, math.Float64bits(g.Weights.Bias))
	_ = binary.Write(&buff, binary.BigEndian, uint64(g.TotalSamples))
	h := blake2b.Sum256(buff.Bytes())
	return h[:]
}

// Verify recomputes the digest and compares it with the stored one.
func (g *GlobalModel) Verify() error {
	if !bytes.Equal(g.Hash(), g.Digest) {
		return fmt.Errorf("global model %d: digest mismatch", g.Round)
	}
	return nil
}

// Copy returns a deep copy of g.
func (g *GlobalModel) Copy() *GlobalModel {
	nodes := make([]string, len(g.Nodes))
	copy(nodes, g.Nodes)
	digest := make([]byte, len(g.Digest))
	copy(digest, g.Digest)
	return &GlobalModel{
		Round:        g.Round,
		Weights:      g.Weights.Copy(),
		TotalSamples: g.TotalSamples,
		Nodes:        nodes,
		Digest:       digest,
	}
}

// Equal compares the round and the weights.
func (g *GlobalModel) Equal(o *GlobalModel) bool {
	return g.Round == o.Round && g.Weights.Equal(o.Weights)
}

// Marshal returns the JSON encoding of the model.
func (g *GlobalModel) Marshal() ([]byte, error) {
	return json.Marshal(g)
}

// Unmarshal decodes a model.
func (g *GlobalModel) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, g)
}

func (g *GlobalModel) String() string {
	return fmt.Sprintf("{ round: %d, weights: %s, samples: %d, nodes: %v }",
		g.Round, g.Weights, g.TotalSamples, g.Nodes)
}

// Export is the document written once a session completes.
type Export struct {
	Weights         []float64 `json:"weights"`
	Bias            float64   `json:"bias"`
	TotalSamples    int       `json:"total_samples"`
	NodesAggregated []string  `json:"nodes_aggregated"`
	Round           uint64    `json:"round"`
}

// Export converts g into its export document.
func (g *GlobalModel) Export() *Export {
	c := g.Copy()
	return &Export{
		Weights:         c.Weights.Coefficients,
		Bias:            c.Weights.Bias,
		TotalSamples:    c.TotalSamples,
		NodesAggregated: c.Nodes,
		Round:           c.Round,
	}
}

// Marshal returns the indented JSON encoding of the export.
func (e *Export) Marshal() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// NodeReport is the weight document a node writes after a standalone training
// pass.
type NodeReport struct {
	NodeID        string    `json:"node_id"`
	Weights       []float64 `json:"weights"`
	Bias          float64   `json:"bias"`
	NSamples      int       `json:"n_samples"`
	FinalLoss     float64   `json:"final_loss"`
	FinalAccuracy float64   `json:"final_accuracy"`
}

// Update converts the report into an update for the given round.
func (r *NodeReport) Update(round uint64) *Update {
	coeffs := make([]float64, len(r.Weights))
	copy(coeffs, r.Weights)
	return &Update{
		NodeID:   r.NodeID,
		Round:    round,
		Weights:  Weights{Coefficients: coeffs, Bias: r.Bias},
		NSamples: r.NSamples,
		Loss:     r.FinalLoss,
		Accuracy: r.FinalAccuracy,
	}
}
