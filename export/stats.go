package export

import (
	"fmt"

	"github.com/fedgen/fedgen/model"
)

// RawGenomeBytes estimates the size of one patient's raw genomic record.
const RawGenomeBytes = 50 * 1024

// Stats compares what the global model learned from against what left the nodes.
type Stats struct {
	TotalSamples int
	// LargestNode is the sample count of the biggest single contributor.
	LargestNode int
	// ImprovementRatio is how much more data the global model saw than the
	// largest single node.
	ImprovementRatio float64
	RawBytes         int64
	ExportedBytes    int
	// ReductionFactor is RawBytes over ExportedBytes.
	ReductionFactor float64
}

// ComputeStats derives the statistics of e. largestNode is the sample count of
// the biggest contributor.
func ComputeStats(e *model.Export, largestNode int) (*Stats, error) {
	data, err := e.Marshal()
	if err != nil {
		return nil, err
	}
	s := &Stats{
		TotalSamples:  e.TotalSamples,
		RawBytes:      int64(e.TotalSamples) * RawGenomeBytes,
		ExportedBytes: len(data),
		LargestNode:   largestNode,
	}
	if s.LargestNode > 0 {
		s.ImprovementRatio = float64(s.TotalSamples) / float64(s.LargestNode)
	}
	if s.ExportedBytes > 0 {
		s.ReductionFactor = float64(s.RawBytes) / float64(s.ExportedBytes)
	}
	return s, nil
}

func (s *Stats) String() string {
	return fmt.Sprintf("total samples %d, largest node %d, improvement %.1fx, raw ~%.2f MB, exported %d bytes, reduction %.0fx",
		s.TotalSamples, s.LargestNode, s.ImprovementRatio, float64(s.RawBytes)/1024/1024, s.ExportedBytes, s.ReductionFactor)
}
