package core

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	clock "github.com/jonboulle/clockwork"

	"github.com/fedgen/fedgen/coordinator"
	"github.com/fedgen/fedgen/dataset"
	"github.com/fedgen/fedgen/fs"
	fgerrors "github.com/fedgen/fedgen/model/errors"
	"github.com/fedgen/fedgen/node"
)

// Session is the TOML description of a federated training session, shared by
// the hub and the nodes.
type Session struct {
	// ID is the session id, derived from the session content when empty.
	ID                string  `toml:"ID,omitempty"`
	MaxRounds         int     `toml:"MaxRounds"`
	LearningRate      float64 `toml:"LearningRate"`
	EpochsPerRound    int     `toml:"EpochsPerRound"`
	BatchCap          int     `toml:"BatchCap"`
	CollectionTimeout string  `toml:"CollectionTimeout"`
	TimeoutPolicy     string  `toml:"TimeoutPolicy"`
	RoundRetries      int     `toml:"RoundRetries"`
	InitialWeight     float64 `toml:"InitialWeight"`
	Normalization     string  `toml:"Normalization,omitempty"`
	// Hub is the libp2p multiaddr nodes dial to reach the hub.
	Hub   string         `toml:"Hub,omitempty"`
	Nodes []*NodeSession `toml:"Node"`
	// path of the file the session was loaded from
	path string
}

// NodeSession describes one participant. A node without Data generates a
// synthetic cohort from its Region profile.
type NodeSession struct {
	ID      string `toml:"ID"`
	Data    string `toml:"Data,omitempty"`
	Region  string `toml:"Region,omitempty"`
	Samples int    `toml:"Samples,omitempty"`
	Seed    int64  `toml:"Seed,omitempty"`
}

// DefaultSession returns the reference three nodes session with synthetic
// data.
func DefaultSession() *Session {
	return &Session{
		MaxRounds:         coordinator.DefaultMaxRounds,
		LearningRate:      coordinator.DefaultLearningRate,
		EpochsPerRound:    coordinator.DefaultEpochsPerRound,
		BatchCap:          coordinator.DefaultBatchCap,
		CollectionTimeout: coordinator.DefaultCollectionTimeout.String(),
		TimeoutPolicy:     string(coordinator.AbortOnTimeout),
		InitialWeight:     coordinator.DefaultInitialWeight,
		Normalization:     string(dataset.ZScore),
		Nodes: []*NodeSession{
			{ID: "us", Region: "US", Samples: 1000, Seed: 42},
			{ID: "eu", Region: "EU", Samples: 1000, Seed: 123},
			{ID: "sg", Region: "SG", Samples: 1000, Seed: 456},
		},
	}
}

// LoadSession reads a session file. Unknown keys are rejected.
func LoadSession(path string) (*Session, error) {
	s := DefaultSession()
	s.Nodes = nil
	md, err := toml.DecodeFile(path, s)
	if err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown session options %s", fgerrors.ErrInvalidInput, strings.Join(keys, ", "))
	}
	s.path = path
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes the session in TOML to path.
func (s *Session) Save(path string) error {
	fd, err := fs.CreateSecureFile(path)
	if err != nil {
		return err
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(s)
}

// Validate checks the session can configure a coordinator and every node.
func (s *Session) Validate() error {
	if len(s.Nodes) == 0 {
		return fmt.Errorf("%w: session without nodes", fgerrors.ErrInvalidInput)
	}
	if _, err := s.Timeout(); err != nil {
		return err
	}
	if _, err := coordinator.ParseTimeoutPolicy(s.TimeoutPolicy); err != nil {
		return err
	}
	if _, err := dataset.ParseNormalization(s.Normalization); err != nil {
		return err
	}
	seen := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" || seen[n.ID] {
			return fmt.Errorf("%w: empty or duplicate node id %q", fgerrors.ErrInvalidInput, n.ID)
		}
		seen[n.ID] = true
		if n.Data == "" && n.Samples <= 0 {
			return fmt.Errorf("%w: node %s has neither data nor samples", fgerrors.ErrInvalidInput, n.ID)
		}
	}
	return nil
}

// Timeout returns the parsed collection timeout.
func (s *Session) Timeout() (time.Duration, error) {
	if s.CollectionTimeout == "" {
		return coordinator.DefaultCollectionTimeout, nil
	}
	d, err := time.ParseDuration(s.CollectionTimeout)
	if err != nil {
		return 0, fmt.Errorf("%w: collection timeout %q: %v", fgerrors.ErrInvalidInput, s.CollectionTimeout, err)
	}
	return d, nil
}

// SessionID returns ID, or when unset an id derived from the node ids and the
// hyper-parameters so the hub and the nodes agree on it.
func (s *Session) SessionID() string {
	if s.ID != "" {
		return s.ID
	}
	name := fmt.Sprintf("%s|%d|%g|%d|%d|%g", strings.Join(s.NodeIDs(), ","),
		s.MaxRounds, s.LearningRate, s.EpochsPerRound, s.BatchCap, s.InitialWeight)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// NodeIDs returns the sorted ids of the session nodes.
func (s *Session) NodeIDs() []string {
	ids := make([]string, len(s.Nodes))
	for i, n := range s.Nodes {
		ids[i] = n.ID
	}
	sort.Strings(ids)
	return ids
}

// Node returns the entry of node id.
func (s *Session) Node(id string) (*NodeSession, error) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w: node %s is not part of the session", fgerrors.ErrInvalidInput, id)
}

// CoordinatorConfig returns the coordinator configuration of the session.
func (s *Session) CoordinatorConfig(c clock.Clock) (*coordinator.Config, error) {
	timeout, err := s.Timeout()
	if err != nil {
		return nil, err
	}
	policy, err := coordinator.ParseTimeoutPolicy(s.TimeoutPolicy)
	if err != nil {
		return nil, err
	}
	conf := coordinator.DefaultConfig(len(s.Nodes))
	conf.Session = s.SessionID()
	conf.NodeIDs = s.NodeIDs()
	conf.MaxRounds = s.MaxRounds
	conf.LearningRate = s.LearningRate
	conf.EpochsPerRound = s.EpochsPerRound
	conf.BatchCap = s.BatchCap
	conf.CollectionTimeout = timeout
	conf.TimeoutPolicy = policy
	conf.RoundRetries = s.RoundRetries
	conf.InitialWeight = s.InitialWeight
	conf.Features = len(dataset.FeatureColumns)
	conf.Clock = c
	return conf, conf.Validate()
}

// NodeConfig returns the configuration of node id. Relative data paths are
// resolved against the folder of the session file.
func (s *Session) NodeConfig(id string, c clock.Clock) (*node.Config, error) {
	n, err := s.Node(id)
	if err != nil {
		return nil, err
	}
	norm, err := dataset.ParseNormalization(s.Normalization)
	if err != nil {
		return nil, err
	}
	var src dataset.Source
	if n.Data != "" {
		data := n.Data
		if !filepath.IsAbs(data) && s.path != "" {
			data = filepath.Join(filepath.Dir(s.path), data)
		}
		src = dataset.NewCSVSource(data)
	} else {
		src = &dataset.SyntheticSource{Profile: dataset.ProfileFor(n.Region), Samples: n.Samples, Seed: n.Seed}
	}
	return &node.Config{
		ID:            n.ID,
		Source:        src,
		Normalization: norm,
		Session:       s.SessionID(),
		Clock:         c,
	}, nil
}
