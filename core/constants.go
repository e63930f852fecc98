package core

import (
	"path"
	"time"

	"github.com/fedgen/fedgen/fs"
)

// DefaultConfigFolderName is the name of the folder holding the hub database,
// the libp2p identity and the peerstore. It is relative to the user's home
// directory.
const DefaultConfigFolderName = ".fedgen"

// DefaultConfigFolder returns the default path of the configuration folder.
func DefaultConfigFolder() string {
	return path.Join(fs.HomeFolder(), DefaultConfigFolderName)
}

// DefaultDbFolder is the name of the folder in which the db file is saved. By
// default it is relative to the DefaultConfigFolder path.
const DefaultDbFolder = "db"

// DefaultIdentityFile is the file name of the libp2p private key.
const DefaultIdentityFile = "identity.key"

// DefaultListenAddr is the libp2p address the hub and the nodes listen on.
const DefaultListenAddr = "/ip4/0.0.0.0/tcp/44544"

// DefaultNodeWaitTimeout bounds how long the hub waits for the nodes to
// subscribe before the first broadcast.
var DefaultNodeWaitTimeout = 5 * time.Minute

// DefaultSimulationTimeout bounds an in-process simulation.
var DefaultSimulationTimeout = 10 * time.Minute

// Version is the protocol and binary version reported by the status API.
const Version = "0.1.0"
