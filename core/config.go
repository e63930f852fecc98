package core

import (
	"path"

	clock "github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"github.com/fedgen/fedgen/common/log"
	"github.com/fedgen/fedgen/export"
)

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds the process level settings of a hub or a node. Session level
// settings live in the Session file.
type Config struct {
	configFolder     string
	dbFolder         string
	listenAddr       string
	metricsAddr      string
	publicListenAddr string
	accessLog        string
	boltOpts         *bolt.Options
	memoryStore      bool
	exporters        []export.Exporter
	modelCbs         []func(round uint64)
	logger           log.Logger
	clock            clock.Clock
}

// NewConfig returns the config with the default options set and the updated
// values given by the options.
func NewConfig(opts ...ConfigOption) *Config {
	d := &Config{
		configFolder: DefaultConfigFolder(),
		listenAddr:   DefaultListenAddr,
		logger:       log.DefaultLogger(),
		clock:        clock.NewRealClock(),
	}
	d.dbFolder = path.Join(d.configFolder, DefaultDbFolder)
	for i := range opts {
		opts[i](d)
	}
	return d
}

// ConfigFolder returns the folder under which fedgen stores its state.
func (d *Config) ConfigFolder() string {
	return d.configFolder
}

// DBFolder returns the folder under which the global model history is stored.
func (d *Config) DBFolder() string {
	return d.dbFolder
}

// IdentityPath returns the path of the libp2p private key.
func (d *Config) IdentityPath() string {
	return path.Join(d.configFolder, DefaultIdentityFile)
}

// ListenAddress returns the libp2p listen multiaddr.
func (d *Config) ListenAddress() string {
	return d.listenAddr
}

// Logger returns the logger associated with this config.
func (d *Config) Logger() log.Logger {
	return d.logger
}

// Clock returns the clock used by the coordinator.
func (d *Config) Clock() clock.Clock {
	return d.clock
}

// WithConfigFolder sets the base configuration folder to the given string.
func WithConfigFolder(folder string) ConfigOption {
	return func(d *Config) {
		d.configFolder = folder
		d.dbFolder = path.Join(d.configFolder, DefaultDbFolder)
	}
}

// WithDBFolder sets the path folder for the db file. This path is NOT relative
// to the config folder if set.
func WithDBFolder(folder string) ConfigOption {
	return func(d *Config) {
		d.dbFolder = folder
	}
}

// WithBoltOptions applies boltdb specific options when storing global models.
func WithBoltOptions(opts *bolt.Options) ConfigOption {
	return func(d *Config) {
		d.boltOpts = opts
	}
}

// WithInMemoryStore keeps the global model history in memory only.
func WithInMemoryStore() ConfigOption {
	return func(d *Config) {
		d.memoryStore = true
	}
}

// WithListenAddress sets the libp2p listen multiaddr.
func WithListenAddress(addr string) ConfigOption {
	return func(d *Config) {
		d.listenAddr = addr
	}
}

// WithMetricsAddress starts the metrics server on addr.
func WithMetricsAddress(addr string) ConfigOption {
	return func(d *Config) {
		d.metricsAddr = addr
	}
}

// WithPublicListenAddress starts the status API on addr.
func WithPublicListenAddress(addr string) ConfigOption {
	return func(d *Config) {
		d.publicListenAddr = addr
	}
}

// WithAccessLog writes the status API access log to the given file instead of
// the standard output.
func WithAccessLog(file string) ConfigOption {
	return func(d *Config) {
		d.accessLog = file
	}
}

// WithExporter adds an exporter of the final global model.
func WithExporter(e export.Exporter) ConfigOption {
	return func(d *Config) {
		d.exporters = append(d.exporters, e)
	}
}

// WithModelCallback sets a function called each time a round is committed.
func WithModelCallback(fn func(round uint64)) ConfigOption {
	return func(d *Config) {
		d.modelCbs = append(d.modelCbs, fn)
	}
}

// WithLogLevel sets the logging verbosity to the given level.
func WithLogLevel(level int, json bool) ConfigOption {
	return func(d *Config) {
		d.logger = log.New(nil, level, json)
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) ConfigOption {
	return func(d *Config) {
		d.logger = l
	}
}

// WithClock sets the clock of the coordinator.
func WithClock(c clock.Clock) ConfigOption {
	return func(d *Config) {
		d.clock = c
	}
}
