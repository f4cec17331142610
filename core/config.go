package core

import (
	"os"
	"path"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"github.com/zapmesh/zapmesh/boot"
	"github.com/zapmesh/zapmesh/connector"
	"github.com/zapmesh/zapmesh/dispatch"
	"github.com/zapmesh/zapmesh/handshake"
	"github.com/zapmesh/zapmesh/key"
	"github.com/zapmesh/zapmesh/log"
	"github.com/zapmesh/zapmesh/pricing"
	"github.com/zapmesh/zapmesh/relay"
	"github.com/zapmesh/zapmesh/trust"
)

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds all relevant information for a node to run.
type Config struct {
	configFolder string
	dbFolder     string
	listenAddr   string
	boltOpts     *bolt.Options

	keyPair *key.Pair

	connector    connector.Client
	connectorURL string

	endpoint   string
	assetCode  string
	assetScale uint8
	chains     []string
	settlement map[string]string
	tokens     map[string]string

	perByte            int64
	kindPrices         map[int]pricing.KindPrice
	zeroPriceHandshake bool

	genesis        []boot.Candidate
	registryRelays []string
	envPeers       string
	announceFee    int64

	trustEnabled bool
	weights      trust.Weights
	trustCfg     trust.Config
	badgeIssuers []string

	relayLimits   relay.Limits
	responderCfg  handshake.ResponderConfig
	reqCooldown   time.Duration
	dispatchQueue int

	packetTimeout   time.Duration
	refreshInterval time.Duration
	reverseCooldown time.Duration

	s3Region string
	s3Bucket string
	s3Prefix string

	logger log.Logger
	clock  clockwork.Clock
}

// NewConfig returns the config to pass to the node with the default options
// set and the updated values given by the options.
func NewConfig(opts ...ConfigOption) *Config {
	d := &Config{
		configFolder:       DefaultConfigFolder(),
		listenAddr:         DefaultListenAddress,
		connectorURL:       DefaultConnectorURL,
		assetCode:          DefaultAssetCode,
		assetScale:         DefaultAssetScale,
		perByte:            DefaultPerByte,
		zeroPriceHandshake: true,
		envPeers:           os.Getenv(boot.EnvPeers),
		announceFee:        DefaultAnnounceFee,
		trustEnabled:       true,
		weights:            trust.DefaultWeights(),
		trustCfg:           trust.DefaultConfig(),
		relayLimits:        relay.DefaultLimits(),
		responderCfg:       handshake.DefaultResponderConfig(),
		reqCooldown:        DefaultRequesterCooldown,
		dispatchQueue:      dispatch.DefaultQueueSize,
		packetTimeout:      DefaultPacketTimeout,
		logger:             log.DefaultLogger(),
		clock:              clockwork.NewRealClock(),
	}
	d.dbFolder = path.Join(d.configFolder, DefaultDBFolder)
	for i := range opts {
		opts[i](d)
	}
	return d
}

// ConfigFolder returns the folder under which the node stores all its
// configuration.
func (d *Config) ConfigFolder() string {
	return d.configFolder
}

// DBFolder returns the folder under which the node stores gossiped messages.
func (d *Config) DBFolder() string {
	return d.dbFolder
}

// ListenAddress returns the address the node listener binds to.
func (d *Config) ListenAddress() string {
	return d.listenAddr
}

// Endpoint returns the websocket endpoint advertised in the node's peer
// record. It defaults to the listen address when not set explicitly.
func (d *Config) Endpoint() string {
	if d.endpoint != "" {
		return d.endpoint
	}
	return "ws://" + d.listenAddr
}

// Logger returns the logger associated with this config.
func (d *Config) Logger() log.Logger {
	return d.logger
}

// Clock returns the clock associated with this config.
func (d *Config) Clock() clockwork.Clock {
	return d.clock
}

// WithConfigFolder sets the base configuration folder to the given string.
func WithConfigFolder(folder string) ConfigOption {
	return func(d *Config) {
		d.configFolder = folder
		d.dbFolder = path.Join(d.configFolder, DefaultDBFolder)
	}
}

// WithDBFolder sets the path folder for the db file. This path is NOT
// relative to the config folder path if set.
func WithDBFolder(folder string) ConfigOption {
	return func(d *Config) {
		d.dbFolder = folder
	}
}

// WithBoltOptions applies boltdb specific options when storing messages.
func WithBoltOptions(opts *bolt.Options) ConfigOption {
	return func(d *Config) {
		d.boltOpts = opts
	}
}

// WithListenAddress specifies the address the node should bind to.
func WithListenAddress(addr string) ConfigOption {
	return func(d *Config) {
		d.listenAddr = addr
	}
}

// WithEndpoint sets the websocket endpoint advertised in the node's peer
// record. It is useful when the node runs behind a proxy and the public
// address differs from the bind address.
func WithEndpoint(endpoint string) ConfigOption {
	return func(d *Config) {
		d.endpoint = endpoint
	}
}

// WithKeyPair injects the identity key pair instead of loading it from the
// file store under the config folder.
func WithKeyPair(pair *key.Pair) ConfigOption {
	return func(d *Config) {
		d.keyPair = pair
	}
}

// WithConnector injects the packet router client. It takes precedence over
// WithConnectorURL.
func WithConnector(c connector.Client) ConfigOption {
	return func(d *Config) {
		d.connector = c
	}
}

// WithConnectorURL points the node at the HTTP API of its packet router.
func WithConnectorURL(rawURL string) ConfigOption {
	return func(d *Config) {
		d.connectorURL = rawURL
	}
}

// WithAsset sets the asset code and scale all prices are denominated in.
func WithAsset(code string, scale uint8) ConfigOption {
	return func(d *Config) {
		d.assetCode = code
		d.assetScale = scale
	}
}

// WithChain declares a settlement chain the node supports, with an optional
// settlement address and token contract on that chain.
func WithChain(chain, settlementAddr, token string) ConfigOption {
	return func(d *Config) {
		d.chains = append(d.chains, chain)
		if settlementAddr != "" {
			if d.settlement == nil {
				d.settlement = make(map[string]string)
			}
			d.settlement[chain] = settlementAddr
		}
		if token != "" {
			if d.tokens == nil {
				d.tokens = make(map[string]string)
			}
			d.tokens[chain] = token
		}
	}
}

// WithPerBytePrice sets the default relay write price per canonical byte.
func WithPerBytePrice(rate int64) ConfigOption {
	return func(d *Config) {
		d.perByte = rate
	}
}

// WithKindPrice overrides the write price for one message kind.
func WithKindPrice(kind int, kp pricing.KindPrice) ConfigOption {
	return func(d *Config) {
		if d.kindPrices == nil {
			d.kindPrices = make(map[int]pricing.KindPrice)
		}
		d.kindPrices[kind] = kp
	}
}

// WithZeroPriceHandshake toggles free handshake messages. They are free by
// default so that newcomers without a channel can still join.
func WithZeroPriceHandshake(enabled bool) ConfigOption {
	return func(d *Config) {
		d.zeroPriceHandshake = enabled
	}
}

// WithGenesisPeer adds a built-in bootstrap peer.
func WithGenesisPeer(pubkey, endpoint string) ConfigOption {
	return func(d *Config) {
		d.genesis = append(d.genesis, boot.Candidate{PubKey: pubkey, Endpoint: endpoint})
	}
}

// WithRegistryRelays adds relay endpoints whose stored peer records seed
// discovery alongside the genesis list.
func WithRegistryRelays(urls ...string) ConfigOption {
	return func(d *Config) {
		d.registryRelays = append(d.registryRelays, urls...)
	}
}

// WithEnvPeers overrides the peer list normally read from the environment.
func WithEnvPeers(raw string) ConfigOption {
	return func(d *Config) {
		d.envPeers = raw
	}
}

// WithAnnounceFee sets the amount offered when announcing the node's own
// record to bootstrap peers.
func WithAnnounceFee(amount int64) ConfigOption {
	return func(d *Config) {
		d.announceFee = amount
	}
}

// WithoutTrust disables the trust engine; every peer keeps the default
// priority and no refresh loop runs.
func WithoutTrust() ConfigOption {
	return func(d *Config) {
		d.trustEnabled = false
	}
}

// WithTrustWeights sets the blend weights of the trust score.
func WithTrustWeights(w trust.Weights) ConfigOption {
	return func(d *Config) {
		d.weights = w
	}
}

// WithTrustConfig tunes the trust engine bounds and cache.
func WithTrustConfig(cfg trust.Config) ConfigOption {
	return func(d *Config) {
		d.trustCfg = cfg
	}
}

// WithBadgeIssuers sets the keys whose badge awards count for trust.
func WithBadgeIssuers(pubkeys ...string) ConfigOption {
	return func(d *Config) {
		d.badgeIssuers = append(d.badgeIssuers, pubkeys...)
	}
}

// WithRelayLimits bounds what one relay connection may consume.
func WithRelayLimits(limits relay.Limits) ConfigOption {
	return func(d *Config) {
		d.relayLimits = limits
	}
}

// WithResponderConfig tunes the handshake responder.
func WithResponderConfig(cfg handshake.ResponderConfig) ConfigOption {
	return func(d *Config) {
		d.responderCfg = cfg
	}
}

// WithRequesterCooldown sets the per-peer hold-off between outbound
// handshake attempts.
func WithRequesterCooldown(cooldown time.Duration) ConfigOption {
	return func(d *Config) {
		d.reqCooldown = cooldown
	}
}

// WithDispatchQueueSize bounds the outbound action queue.
func WithDispatchQueueSize(n int) ConfigOption {
	return func(d *Config) {
		d.dispatchQueue = n
	}
}

// WithPacketTimeout bounds each packet round-trip.
func WithPacketTimeout(timeout time.Duration) ConfigOption {
	return func(d *Config) {
		d.packetTimeout = timeout
	}
}

// WithRefreshInterval sets the period of the trust priority refresh loop.
func WithRefreshInterval(interval time.Duration) ConfigOption {
	return func(d *Config) {
		d.refreshInterval = interval
	}
}

// WithReverseCooldown sets the per-peer hold-off between reverse-discovery
// connection attempts.
func WithReverseCooldown(cooldown time.Duration) ConfigOption {
	return func(d *Config) {
		d.reverseCooldown = cooldown
	}
}

// WithS3Archive mirrors every stored message into the given S3 bucket.
func WithS3Archive(region, bucket, prefix string) ConfigOption {
	return func(d *Config) {
		d.s3Region = region
		d.s3Bucket = bucket
		d.s3Prefix = prefix
	}
}

// WithLogger overrides the default logger.
func WithLogger(l log.Logger) ConfigOption {
	return func(d *Config) {
		d.logger = l
	}
}

// WithClock injects the clock, used by tests to control time.
func WithClock(c clockwork.Clock) ConfigOption {
	return func(d *Config) {
		d.clock = c
	}
}
