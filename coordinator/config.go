package coordinator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	clock "github.com/jonboulle/clockwork"

	"github.com/fedgen/fedgen/model"
	fgerrors "github.com/fedgen/fedgen/model/errors"
)

// TimeoutPolicy decides what happens when a collection window expires before
// every node reported.
type TimeoutPolicy string

const (
	// AbortOnTimeout fails the round with a partial round timeout.
	AbortOnTimeout TimeoutPolicy = "abort"
	// ProceedOnTimeout aggregates whatever was collected, if anything.
	ProceedOnTimeout TimeoutPolicy = "proceed"
)

// ParseTimeoutPolicy maps a policy name to its value. The empty string is
// AbortOnTimeout.
func ParseTimeoutPolicy(s string) (TimeoutPolicy, error) {
	switch TimeoutPolicy(s) {
	case "", AbortOnTimeout:
		return AbortOnTimeout, nil
	case ProceedOnTimeout:
		return ProceedOnTimeout, nil
	}
	return "", fmt.Errorf("%w: unknown timeout policy %q", fgerrors.ErrInvalidInput, s)
}

const (
	DefaultMaxRounds         = 3
	DefaultLearningRate      = 0.01
	DefaultEpochsPerRound    = 5
	DefaultBatchCap          = 100
	DefaultCollectionTimeout = 2 * time.Minute
	DefaultFeatures          = 5
	DefaultInitialWeight     = 0.01
)

// Config is the configuration of one federated session.
type Config struct {
	// Session identifies the session on the wire. A random one is picked when
	// empty.
	Session   string
	NodeCount int
	// NodeIDs optionally restricts which nodes may contribute. When set its
	// length must equal NodeCount.
	NodeIDs           []string
	MaxRounds         int
	LearningRate      float64
	EpochsPerRound    int
	BatchCap          int
	CollectionTimeout time.Duration
	TimeoutPolicy     TimeoutPolicy
	// RoundRetries is the number of extra attempts of a failed round.
	RoundRetries  int
	Features      int
	InitialWeight float64
	Clock         clock.Clock
}

// DefaultConfig returns a configuration for nodes participants using the
// reference hyper-parameters.
func DefaultConfig(nodes int) *Config {
	return &Config{
		NodeCount:         nodes,
		MaxRounds:         DefaultMaxRounds,
		LearningRate:      DefaultLearningRate,
		EpochsPerRound:    DefaultEpochsPerRound,
		BatchCap:          DefaultBatchCap,
		CollectionTimeout: DefaultCollectionTimeout,
		TimeoutPolicy:     AbortOnTimeout,
		Features:          DefaultFeatures,
		InitialWeight:     DefaultInitialWeight,
	}
}

// Params returns the training parameters sent with every broadcast.
func (c *Config) Params() model.TrainingParams {
	return model.TrainingParams{
		LearningRate: c.LearningRate,
		Epochs:       c.EpochsPerRound,
		BatchCap:     c.BatchCap,
	}
}

// Validate checks the configuration and fills the session id, the policy and
// the clock when unset.
func (c *Config) Validate() error {
	if c.NodeCount <= 0 {
		return fmt.Errorf("%w: node count must be positive, got %d", fgerrors.ErrInvalidInput, c.NodeCount)
	}
	if len(c.NodeIDs) > 0 {
		if len(c.NodeIDs) != c.NodeCount {
			return fmt.Errorf("%w: %d node ids for a node count of %d", fgerrors.ErrInvalidInput, len(c.NodeIDs), c.NodeCount)
		}
		seen := make(map[string]bool, len(c.NodeIDs))
		for _, id := range c.NodeIDs {
			if id == "" || seen[id] {
				return fmt.Errorf("%w: empty or duplicate node id %q", fgerrors.ErrInvalidInput, id)
			}
			seen[id] = true
		}
	}
	if c.MaxRounds <= 0 {
		return fmt.Errorf("%w: max rounds must be positive, got %d", fgerrors.ErrInvalidInput, c.MaxRounds)
	}
	if c.CollectionTimeout <= 0 {
		return fmt.Errorf("%w: collection timeout must be positive, got %s", fgerrors.ErrInvalidInput, c.CollectionTimeout)
	}
	if c.RoundRetries < 0 {
		return fmt.Errorf("%w: negative round retries %d", fgerrors.ErrInvalidInput, c.RoundRetries)
	}
	if c.Features <= 0 {
		return fmt.Errorf("%w: feature count must be positive, got %d", fgerrors.ErrInvalidInput, c.Features)
	}
	if err := c.Params().Validate(); err != nil {
		return err
	}
	policy, err := ParseTimeoutPolicy(string(c.TimeoutPolicy))
	if err != nil {
		return err
	}
	c.TimeoutPolicy = policy
	if c.Session == "" {
		c.Session = uuid.New().String()
	}
	if c.Clock == nil {
		c.Clock = clock.NewRealClock()
	}
	return nil
}
