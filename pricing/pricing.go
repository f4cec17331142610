// Package pricing maps messages to the payment amount a relay requires
// before storing them.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/zapmesh/zapmesh/message"
)

// Quote is the amount a message costs in minor units of the relay's asset.
type Quote struct {
	Amount     int64 `json:"amount"`
	AssetScale uint8 `json:"assetScale"`
}

// KindPrice overrides the default rate for one kind. The amount charged is
// max(Flat, size*PerByte); an override replaces the default per-byte rate
// entirely, including with an explicit zero.
type KindPrice struct {
	Flat    int64
	PerByte int64
}

// Policy prices messages. All methods are safe for concurrent use; updates
// take effect immediately without a restart.
type Policy struct {
	mu                 sync.RWMutex
	ownerKey           string
	assetScale         uint8
	defaultPerByte     int64
	kinds              map[int]KindPrice
	zeroPriceHandshake bool
}

// NewPolicy returns a policy charging defaultPerByte per canonical byte for
// every kind, with writes by ownerKey free.
func NewPolicy(ownerKey string, assetScale uint8, defaultPerByte int64) *Policy {
	return &Policy{
		ownerKey:       ownerKey,
		assetScale:     assetScale,
		defaultPerByte: defaultPerByte,
		kinds:          make(map[int]KindPrice),
	}
}

// PriceFor returns the payment required to store the message.
func (p *Policy) PriceFor(m *message.Message) Quote {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if m.PubKey == p.ownerKey {
		return Quote{Amount: 0, AssetScale: p.assetScale}
	}
	if p.zeroPriceHandshake && m.Kind == message.KindHandshakeReq {
		return Quote{Amount: 0, AssetScale: p.assetScale}
	}

	flat := int64(0)
	perByte := p.defaultPerByte
	if kp, ok := p.kinds[m.Kind]; ok {
		flat = kp.Flat
		perByte = kp.PerByte
	}
	amount := int64(m.Size()) * perByte
	if flat > amount {
		amount = flat
	}
	return Quote{Amount: amount, AssetScale: p.assetScale}
}

// OwnerKey returns the key whose writes bypass pricing.
func (p *Policy) OwnerKey() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ownerKey
}

// AssetScale returns the scale quotes are denominated in.
func (p *Policy) AssetScale() uint8 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.assetScale
}

// SetOwnerKey changes the key whose writes bypass pricing.
func (p *Policy) SetOwnerKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ownerKey = key
}

// SetDefaultPerByte changes the per-byte rate for kinds without an override.
func (p *Policy) SetDefaultPerByte(rate int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultPerByte = rate
}

// SetKindPrice installs or replaces the override for a kind.
func (p *Policy) SetKindPrice(kind int, kp KindPrice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds[kind] = kp
}

// ClearKindPrice removes the override for a kind, restoring the default rate.
func (p *Policy) ClearKindPrice(kind int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.kinds, kind)
}

// SetZeroPriceHandshake toggles free handshake requests, used by bootstrap
// relays so new nodes can join before owning a channel.
func (p *Policy) SetZeroPriceHandshake(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.zeroPriceHandshake = enabled
}

// FromDecimalString converts a human-unit decimal amount such as "0.25" into
// minor units at the given asset scale.
func FromDecimalString(s string, scale uint8) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("pricing: parsing amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, errors.New("pricing: amount must not be negative")
	}
	shifted := d.Shift(int32(scale))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("pricing: amount %q has more precision than scale %d", s, scale)
	}
	if shifted.Cmp(decimal.NewFromInt(math.MaxInt64)) > 0 {
		return 0, fmt.Errorf("pricing: amount %q overflows at scale %d", s, scale)
	}
	return shifted.IntPart(), nil
}
