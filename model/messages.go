package model

import (
	"bytes"
	"encoding/binary"
	"fmt"

	json "github.com/nikkolasg/hexjson"

	fgerrors "github.com/fedgen/fedgen/model/errors"
)

// TrainingParams are the hyper-parameters every node uses for its local pass.
type TrainingParams struct {
	LearningRate float64 `json:"learning_rate"`
	Epochs       int     `json:"epochs"`
	// BatchCap bounds the number of local examples used per pass. Zero means
	// no bound.
	BatchCap int `json:"batch_cap"`
}

// Validate rejects non positive learning rates and epochs.
func (p TrainingParams) Validate() error {
	if p.LearningRate <= 0 {
		return fmt.Errorf("%w: learning rate must be positive, got %v", fgerrors.ErrInvalidInput, p.LearningRate)
	}
	if p.Epochs <= 0 {
		return fmt.Errorf("%w: epochs must be positive, got %d", fgerrors.ErrInvalidInput, p.Epochs)
	}
	if p.BatchCap < 0 {
		return fmt.Errorf("%w: negative batch cap %d", fgerrors.ErrInvalidInput, p.BatchCap)
	}
	return nil
}

// Broadcast carries the current global model to every node at the start of a
// round. Final is set once the session is over.
type Broadcast struct {
	Session string         `json:"session"`
	Round   uint64         `json:"round"`
	Attempt int            `json:"attempt"`
	Weights Weights        `json:"weights"`
	Params  TrainingParams `json:"params"`
	Final   bool           `json:"final,omitempty"`
}

// Marshal returns the JSON encoding of the broadcast.
func (b *Broadcast) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// Unmarshal decodes a broadcast.
func (b *Broadcast) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, b)
}

// Update is the result of one node's local training pass for a round.
type Update struct {
	Session  string  `json:"session"`
	NodeID   string  `json:"node_id"`
	Round    uint64  `json:"round"`
	Attempt  int     `json:"attempt"`
	Weights  Weights `json:"weights"`
	NSamples int     `json:"n_samples"`
	// Loss and Accuracy evaluate the broadcast model on the node's data,
	// before local training.
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// Marshal returns the JSON encoding of the update.
func (u *Update) Marshal() ([]byte, error) {
	return json.Marshal(u)
}

// Unmarshal decodes an update.
func (u *Update) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, u)
}

// Validate checks the fields a hub relies on before caching an update.
func (u *Update) Validate() error {
	if u.NodeID == "" {
		return fmt.Errorf("%w: update without node id", fgerrors.ErrInvalidInput)
	}
	if u.NSamples <= 0 {
		return fmt.Errorf("%w: node %s reported %d samples", fgerrors.ErrInvalidInput, u.NodeID, u.NSamples)
	}
	return u.Weights.Validate()
}

// RoundToBytes serializes a round number to bytes (8 bytes fixed length big-endian).
func RoundToBytes(r uint64) []byte {
	var buff bytes.Buffer
	_ = binary.Write(&buff, binary.BigEndian, r)
	return buff.Bytes()
}
