// Package zapmesh is the command line interface of a mesh node. A node relays
// signed social events over websockets and charges for their delivery through
// payment-channel packets, all under a single secp256k1 identity.
package zapmesh

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"

	"github.com/zapmesh/zapmesh/boot"
	"github.com/zapmesh/zapmesh/core"
	"github.com/zapmesh/zapmesh/key"
	"github.com/zapmesh/zapmesh/log"
	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/pricing"
	"github.com/zapmesh/zapmesh/relay"
)

// default output of the zapmesh operational commands
// the zapmesh daemon uses its own logging mechanism.
var output io.Writer = os.Stdout

// Automatically set through -ldflags
// Example: go install -ldflags "-X main.version=`git describe --tags`
//   -X main.buildDate=`date -u +%d/%m/%Y@%H:%M:%S` -X main.gitCommit=`git rev-parse HEAD`"
var (
	version   = "master"
	gitCommit = "none"
	buildDate = "unknown"
)

// envSigningKey injects the 64-hex private scalar without touching the key
// files, typically in containers. Its value is never logged.
const envSigningKey = "ZAPMESH_SIGNING_KEY"

const checkTimeout = 10 * time.Second

func banner() {
	fmt.Fprintf(output, "zapmesh %v (date %v, commit %v)\n", version, buildDate, gitCommit)
}

var folderFlag = &cli.StringFlag{
	Name:    "folder",
	Value:   core.DefaultConfigFolder(),
	Usage:   "Folder to keep all zapmesh cryptographic information, with absolute path.",
	EnvVars: []string{"ZAPMESH_FOLDER"},
}

var verboseFlag = &cli.BoolFlag{
	Name:    "verbose",
	Usage:   "If set, verbosity is at the debug level",
	EnvVars: []string{"ZAPMESH_VERBOSE"},
}

var jsonLogFlag = &cli.BoolFlag{
	Name:    "json-log",
	Usage:   "If set, log lines are written as JSON instead of console format.",
	EnvVars: []string{"ZAPMESH_JSON_LOG"},
}

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "Path to a TOML configuration file. Flags take precedence over file values.",
	EnvVars: []string{"ZAPMESH_CONFIG"},
}

var listenFlag = &cli.StringFlag{
	Name:    "listen",
	Usage:   "Set the listening (binding) address of the relay and HTTP API. Useful if you have some kind of proxy.",
	EnvVars: []string{"ZAPMESH_LISTEN"},
}

var endpointFlag = &cli.StringFlag{
	Name:    "endpoint",
	Usage:   "Websocket URL advertised to peers in the node's record. Defaults to ws:// on the listen address.",
	EnvVars: []string{"ZAPMESH_ENDPOINT"},
}

var connectorFlag = &cli.StringFlag{
	Name:    "connector",
	Usage:   "Base URL of the payment connector admin API this node settles through.",
	EnvVars: []string{"ZAPMESH_CONNECTOR"},
}

var metricsFlag = &cli.StringFlag{
	Name:    "metrics",
	Usage:   "Launch a metrics server at the specified (host:)port.",
	EnvVars: []string{"ZAPMESH_METRICS"},
}

var assetFlag = &cli.StringFlag{
	Name:    "asset",
	Usage:   "Asset the node charges in, as CODE:SCALE, e.g. USD:9.",
	EnvVars: []string{"ZAPMESH_ASSET"},
}

var perByteFlag = &cli.Int64Flag{
	Name:    "per-byte",
	Usage:   "Default price per serialized event byte, in base units of the configured asset.",
	EnvVars: []string{"ZAPMESH_PER_BYTE"},
}

var announceFeeFlag = &cli.Int64Flag{
	Name:    "announce-fee",
	Usage:   "Amount attached to record announcements sent to peers during bootstrap.",
	EnvVars: []string{"ZAPMESH_ANNOUNCE_FEE"},
}

// using a simple string flag because the StringSliceFlag is not intuitive
// see https://github.com/urfave/cli/issues/62
var peersFlag = &cli.StringFlag{
	Name:    "peers",
	Usage:   "Comma-separated pubkey@endpoint peer leads used as genesis candidates during bootstrap.",
	EnvVars: []string{boot.EnvPeers},
}

var registryFlag = &cli.StringFlag{
	Name:    "registry",
	Usage:   "Comma-separated websocket URLs of registry relays to read peer records from.",
	EnvVars: []string{"ZAPMESH_REGISTRY"},
}

var appCommands = []*cli.Command{
	{
		Name:  "start",
		Usage: "Start the zapmesh daemon.",
		Flags: toArray(folderFlag, configFlag, verboseFlag, jsonLogFlag,
			listenFlag, endpointFlag, connectorFlag, metricsFlag,
			assetFlag, perByteFlag, announceFeeFlag, peersFlag, registryFlag),
		Action: func(c *cli.Context) error {
			banner()
			return startCmd(c)
		},
	},
	{
		Name: "generate-keypair",
		Usage: "Generate the longterm keypair (zapmesh_id.private, zapmesh_id.public) " +
			"for this node.\n",
		ArgsUsage: "<endpoint> is the websocket URL other nodes will be able to reach this node on",
		Flags:     toArray(folderFlag),
		Action: func(c *cli.Context) error {
			banner()
			return keygenCmd(c)
		},
	},
	{
		Name:  "util",
		Usage: "Multiple commands of utility functions, such as reseting a state, checking the connection of a peer...",
		Subcommands: []*cli.Command{
			{
				Name: "check",
				Usage: "Check the relay at the given websocket `ENDPOINT` (you can put multiple ones) " +
					"for accessibility. A whole peer list can be checked with the peers flag.",
				Flags: toArray(peersFlag, verboseFlag),
				Action: func(c *cli.Context) error {
					banner()
					return checkConnection(c)
				},
			},
			{
				Name:   "ping",
				Usage:  "Pings the daemon checking its state\n",
				Flags:  toArray(listenFlag),
				Action: pingpongCmd,
			},
			{
				Name:   "reset",
				Usage:  "Resets the local event database. It KEEPS the private/public key pair.",
				Flags:  toArray(folderFlag, configFlag),
				Action: resetCmd,
			},
		},
	},
	{
		Name: "show",
		Usage: "local information retrieval about the node's cryptographic " +
			"material. Show prints the long-term private key (zapmesh_id.private) " +
			"or the long-term public key (zapmesh_id.public).\n",
		Flags: toArray(folderFlag),
		Subcommands: []*cli.Command{
			{
				Name:   "private",
				Usage:  "shows the long-term private key of a node.\n",
				Flags:  toArray(folderFlag),
				Action: showPrivateCmd,
			},
			{
				Name:   "public",
				Usage:  "shows the long-term public key of a node.\n",
				Flags:  toArray(folderFlag),
				Action: showPublicCmd,
			},
		},
	},
}

// CLI runs the zapmesh app
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "zapmesh"
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(output, "zapmesh %v (date %v, commit %v)\n", version, buildDate, gitCommit)
	}

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = version
	app.Usage = "social payments mesh node"
	// =====Commands=====
	app.Commands = appCommands
	app.Flags = toArray(verboseFlag, folderFlag, configFlag, jsonLogFlag)
	return app
}

func keygenCmd(c *cli.Context) error {
	args := c.Args()
	if !args.Present() {
		return errors.New("missing node endpoint in argument. Abort")
	}
	endpoint := args.First()
	if u, err := url.Parse(endpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("endpoint %q is not a websocket URL, expected ws:// or wss://", endpoint)
	}

	priv, err := key.NewKeyPair(endpoint)
	if err != nil {
		return err
	}

	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	store := key.NewFileStore(conf.ConfigFolder())

	if _, err := store.LoadKeyPair(); err == nil {
		fmt.Fprintf(output, "Keypair already present in `%s`.\nRemove them before generating new one\n", conf.ConfigFolder())
		return nil
	}
	if err := store.SaveKeyPair(priv); err != nil {
		return fmt.Errorf("could not save key: %w", err)
	}

	fullpath := path.Join(conf.ConfigFolder(), key.KeyFolderName)
	absPath, err := filepath.Abs(fullpath)
	if err != nil {
		return fmt.Errorf("err getting full path: %w", err)
	}
	fmt.Fprintln(output, "Generated keys at ", absPath)
	fmt.Fprintln(output, "You can copy paste the following snippet into a peer's configuration file:")
	var buff bytes.Buffer
	buff.WriteString("[[Genesis]]\n")
	if err := toml.NewEncoder(&buff).Encode(genesisTOML{PubKey: priv.Public.Hex(), Endpoint: endpoint}); err != nil {
		return err
	}
	buff.WriteString("\n")
	fmt.Fprintln(output, buff.String())
	return nil
}

func resetCmd(c *cli.Context) error {
	conf, err := contextToConfig(c)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "You are about to delete your local event database. "+
		"Are you sure you wish to perform this operation? [y/N]")
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("error reading: %w", err)
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	if answer != "y" {
		fmt.Fprintf(output, "zapmesh: not reseting the state.\n")
		return nil
	}
	if err := os.RemoveAll(conf.DBFolder()); err != nil {
		return fmt.Errorf("zapmesh: err reseting event database: %w", err)
	}
	fmt.Fprintln(output, "zapmesh: database reset")
	return nil
}

func checkConnection(c *cli.Context) error {
	var targets []string
	if c.IsSet(peersFlag.Name) {
		for _, cand := range boot.ParseEnvPeers(c.String(peersFlag.Name)) {
			targets = append(targets, cand.Endpoint)
		}
	} else if c.Args().Present() {
		targets = c.Args().Slice()
	} else {
		return fmt.Errorf("util check expects a list of relay endpoints or the %s flag", peersFlag.Name)
	}

	l := log.New(nil, logLevel(c), logJSON(c)).Named("checkCmd")

	var invalid []string
	for _, target := range targets {
		if err := probeRelay(l, target); err != nil {
			if isVerbose(c) {
				fmt.Fprintf(output, "zapmesh: error checking relay %s: %s\n", target, err)
			} else {
				fmt.Fprintf(output, "zapmesh: error checking relay %s\n", target)
			}
			invalid = append(invalid, target)
			continue
		}
		fmt.Fprintf(output, "zapmesh: relay %s answers correctly\n", target)
	}
	if len(invalid) > 0 {
		return fmt.Errorf("following relays don't answer: %s", strings.Join(invalid, ","))
	}
	return nil
}

// probeRelay dials the endpoint and runs one subscription to the end of
// stored events, proving the target speaks the relay protocol rather than
// merely accepting TCP.
func probeRelay(l log.Logger, target string) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	client, err := relay.Dial(ctx, l, target)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.Subscribe(ctx, message.Filter{Kinds: []int{message.KindPeerRecord}, Limit: 1})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	return sub.AwaitEOSE(ctx)
}

func isVerbose(c *cli.Context) bool {
	return c.IsSet(verboseFlag.Name)
}

func logLevel(c *cli.Context) int {
	if isVerbose(c) {
		return log.DebugLevel
	}

	return log.InfoLevel
}

func logJSON(c *cli.Context) bool {
	return c.Bool(jsonLogFlag.Name)
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

// parseAsset splits the CODE:SCALE form of the asset flag.
func parseAsset(s string) (string, uint8, error) {
	code, scaleStr, found := strings.Cut(s, ":")
	if !found || code == "" {
		return "", 0, fmt.Errorf("asset %q must be CODE:SCALE, e.g. USD:9", s)
	}
	scale, err := strconv.ParseUint(scaleStr, 10, 8)
	if err != nil {
		return "", 0, fmt.Errorf("asset scale in %q: %w", s, err)
	}
	return code, uint8(scale), nil
}

// fileConfig is the TOML form of the deployment knobs. The structured values
// (chains, genesis peers, kind prices) have no flag equivalent.
type fileConfig struct {
	Listen       string
	Endpoint     string
	Connector    string
	AssetCode    string
	AssetScale   uint8
	PerByte      int64
	AnnounceFee  int64
	Registry     []string
	BadgeIssuers []string
	DisableTrust bool
	Chains       []chainTOML
	Genesis      []genesisTOML
	KindPrices   []kindPriceTOML
	S3           s3TOML
}

type chainTOML struct {
	ID         string
	Settlement string
	Token      string
}

type genesisTOML struct {
	PubKey   string
	Endpoint string
}

type kindPriceTOML struct {
	Kind    int
	Flat    int64
	PerByte int64
}

type s3TOML struct {
	Region string
	Bucket string
	Prefix string
}

func (f *fileConfig) options() []core.ConfigOption {
	var opts []core.ConfigOption
	if f.Listen != "" {
		opts = append(opts, core.WithListenAddress(f.Listen))
	}
	if f.Endpoint != "" {
		opts = append(opts, core.WithEndpoint(f.Endpoint))
	}
	if f.Connector != "" {
		opts = append(opts, core.WithConnectorURL(f.Connector))
	}
	if f.AssetCode != "" {
		opts = append(opts, core.WithAsset(f.AssetCode, f.AssetScale))
	}
	if f.PerByte > 0 {
		opts = append(opts, core.WithPerBytePrice(f.PerByte))
	}
	if f.AnnounceFee > 0 {
		opts = append(opts, core.WithAnnounceFee(f.AnnounceFee))
	}
	if len(f.Registry) > 0 {
		opts = append(opts, core.WithRegistryRelays(f.Registry...))
	}
	if len(f.BadgeIssuers) > 0 {
		opts = append(opts, core.WithBadgeIssuers(f.BadgeIssuers...))
	}
	if f.DisableTrust {
		opts = append(opts, core.WithoutTrust())
	}
	for _, ch := range f.Chains {
		opts = append(opts, core.WithChain(ch.ID, ch.Settlement, ch.Token))
	}
	for _, g := range f.Genesis {
		opts = append(opts, core.WithGenesisPeer(g.PubKey, g.Endpoint))
	}
	for _, kp := range f.KindPrices {
		opts = append(opts, core.WithKindPrice(kp.Kind, pricing.KindPrice{Flat: kp.Flat, PerByte: kp.PerByte}))
	}
	if f.S3.Bucket != "" {
		opts = append(opts, core.WithS3Archive(f.S3.Region, f.S3.Bucket, f.S3.Prefix))
	}
	return opts
}

func contextToConfig(c *cli.Context) (*core.Config, error) {
	l := log.New(nil, logLevel(c), logJSON(c))
	opts := []core.ConfigOption{core.WithLogger(l)}

	if c.IsSet(configFlag.Name) {
		var file fileConfig
		if _, err := toml.DecodeFile(c.String(configFlag.Name), &file); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		opts = append(opts, file.options()...)
	}

	// flags take precedence over file values
	if c.IsSet(folderFlag.Name) {
		opts = append(opts, core.WithConfigFolder(c.String(folderFlag.Name)))
	}
	if c.IsSet(listenFlag.Name) {
		opts = append(opts, core.WithListenAddress(c.String(listenFlag.Name)))
	}
	if c.IsSet(endpointFlag.Name) {
		opts = append(opts, core.WithEndpoint(c.String(endpointFlag.Name)))
	}
	if c.IsSet(connectorFlag.Name) {
		opts = append(opts, core.WithConnectorURL(c.String(connectorFlag.Name)))
	}
	if c.IsSet(assetFlag.Name) {
		code, scale, err := parseAsset(c.String(assetFlag.Name))
		if err != nil {
			return nil, err
		}
		opts = append(opts, core.WithAsset(code, scale))
	}
	if c.IsSet(perByteFlag.Name) {
		opts = append(opts, core.WithPerBytePrice(c.Int64(perByteFlag.Name)))
	}
	if c.IsSet(announceFeeFlag.Name) {
		opts = append(opts, core.WithAnnounceFee(c.Int64(announceFeeFlag.Name)))
	}
	if c.IsSet(peersFlag.Name) {
		opts = append(opts, core.WithEnvPeers(c.String(peersFlag.Name)))
	}
	if c.IsSet(registryFlag.Name) {
		opts = append(opts, core.WithRegistryRelays(strings.Split(c.String(registryFlag.Name), ",")...))
	}

	if hexKey := os.Getenv(envSigningKey); hexKey != "" {
		pair, err := key.PairFromHex(hexKey, c.String(endpointFlag.Name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envSigningKey, err)
		}
		opts = append(opts, core.WithKeyPair(pair))
	}

	return core.NewConfig(opts...), nil
}
