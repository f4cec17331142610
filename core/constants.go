package core

import (
	"path"
	"time"

	"github.com/zapmesh/zapmesh/fs"
)

// DefaultConfigFolderName is the name of the folder containing all key
// materials (and the message db by default). It is relative to the user's
// home directory.
const DefaultConfigFolderName = ".zapmesh"

// DefaultConfigFolder returns the default path of the configuration folder.
func DefaultConfigFolder() string {
	return path.Join(fs.HomeFolder(), DefaultConfigFolderName)
}

// DefaultDBFolder is the name of the folder in which the db file is saved.
// By default it is relative to the DefaultConfigFolder path.
const DefaultDBFolder = "db"

// DefaultListenAddress is the address the node binds when none is given. It
// serves the relay websocket, the health endpoint and the connector
// callback on the same listener.
const DefaultListenAddress = "127.0.0.1:4878"

// DefaultConnectorURL is where the packet router's HTTP API is expected
// when no connector client is injected.
const DefaultConnectorURL = "http://127.0.0.1:7768"

// DefaultAssetCode and DefaultAssetScale denominate amounts when the config
// does not say otherwise. Scale 9 keeps integer amounts at nano precision.
const (
	DefaultAssetCode        = "USD"
	DefaultAssetScale uint8 = 9
)

// DefaultPerByte is the relay write price per canonical byte.
const DefaultPerByte int64 = 16

// DefaultAnnounceFee is the amount offered alongside the node's own record
// when announcing to bootstrap peers.
const DefaultAnnounceFee int64 = 4096

// DefaultPacketTimeout bounds one packet round-trip, fulfill or reject.
const DefaultPacketTimeout = 10 * time.Second

// DefaultRequesterCooldown is the per-peer hold-off between outbound
// handshake attempts.
const DefaultRequesterCooldown = 1 * time.Minute
