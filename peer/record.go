// Package peer holds the node's view of its payment peers: the records they
// advertise over gossip and the live table of registrations, channels and
// session state.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// RoutingPrefix is the global prefix every routing address starts with.
const RoutingPrefix = "g."

var (
	// ErrInvalidRecord is returned when a peer record fails validation.
	ErrInvalidRecord = errors.New("peer: invalid record")

	routingAddressRx = regexp.MustCompile(`^g(\.[a-z0-9_~-]+)+$`)
	chainIDRx        = regexp.MustCompile(`^[a-z0-9]+:[a-z0-9-]+(:[0-9]+)?$`)
)

// Asset names the settlement asset a peer accounts in.
type Asset struct {
	Code  string `json:"code"`
	Scale uint8  `json:"scale"`
}

// Record is the payload of a peer-record message: everything another node
// needs to route payments to its author.
type Record struct {
	Address    string            `json:"address"`
	Endpoint   string            `json:"endpoint"`
	Asset      Asset             `json:"asset"`
	Chains     []string          `json:"chains"`
	Settlement map[string]string `json:"settlement,omitempty"`
	Tokens     map[string]string `json:"tokens,omitempty"`
}

// ParseRecord decodes and validates a peer record from message content.
func ParseRecord(content string) (*Record, error) {
	r := new(Record)
	if err := json.Unmarshal([]byte(content), r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Encode serializes the record for use as message content.
func (r *Record) Encode() (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	buff, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(buff), nil
}

// Validate checks the structural shape of every field.
func (r *Record) Validate() error {
	if !routingAddressRx.MatchString(r.Address) {
		return fmt.Errorf("%w: routing address %q", ErrInvalidRecord, r.Address)
	}
	u, err := url.Parse(r.Endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: endpoint %q", ErrInvalidRecord, r.Endpoint)
	}
	if r.Asset.Code == "" {
		return fmt.Errorf("%w: missing asset code", ErrInvalidRecord)
	}
	if len(r.Chains) == 0 {
		return fmt.Errorf("%w: no supported chains", ErrInvalidRecord)
	}
	for _, chain := range r.Chains {
		if !chainIDRx.MatchString(chain) {
			return fmt.Errorf("%w: chain id %q", ErrInvalidRecord, chain)
		}
	}
	for chain, addr := range r.Settlement {
		if err := validateChainAddress(chain, addr); err != nil {
			return err
		}
	}
	for chain, addr := range r.Tokens {
		if err := validateChainAddress(chain, addr); err != nil {
			return err
		}
	}
	return nil
}

func validateChainAddress(chain, addr string) error {
	if !chainIDRx.MatchString(chain) {
		return fmt.Errorf("%w: chain id %q", ErrInvalidRecord, chain)
	}
	if strings.HasPrefix(chain, "evm:") && !ethcommon.IsHexAddress(addr) {
		return fmt.Errorf("%w: address %q on %s", ErrInvalidRecord, addr, chain)
	}
	if addr == "" {
		return fmt.Errorf("%w: empty address on %s", ErrInvalidRecord, chain)
	}
	return nil
}

// RoutingAddressFor derives the default routing address for a node identity:
// the global prefix, the mesh segment and the first 8 hex characters of the
// public key.
func RoutingAddressFor(pubkey string) string {
	seg := pubkey
	if len(seg) > 8 {
		seg = seg[:8]
	}
	return RoutingPrefix + "zapmesh." + seg
}
