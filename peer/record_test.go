package peer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validRecord() *Record {
	return &Record{
		Address:  "g.zapmesh.ab12cd34",
		Endpoint: "wss://relay.example.org",
		Asset:    Asset{Code: "USD", Scale: 9},
		Chains:   []string{"evm:base:8453", "xrp:mainnet"},
		Settlement: map[string]string{
			"evm:base:8453": "0x52908400098527886E0F7030069857D2E4169EE7",
			"xrp:mainnet":   "rEb8TK3gBgk5auZkwc6sHnwrGVJH8DuaLh",
		},
		Tokens: map[string]string{
			"evm:base:8453": "0x8617E340B3D01FA5F11F306F4090FD50E238070D",
		},
	}
}

func TestRecordRoundTrip(t *testing.T) {
	r := validRecord()
	content, err := r.Encode()
	require.NoError(t, err)

	back, err := ParseRecord(content)
	require.NoError(t, err)
	require.Equal(t, r, back)
}

func TestRecordValidation(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Record)
	}{
		{"bad routing address", func(r *Record) { r.Address = "notaroute" }},
		{"missing prefix", func(r *Record) { r.Address = "x.zapmesh.ab12" }},
		{"uppercase segment", func(r *Record) { r.Address = "g.ZapMesh.ab" }},
		{"http endpoint", func(r *Record) { r.Endpoint = "https://relay.example.org" }},
		{"empty endpoint", func(r *Record) { r.Endpoint = "" }},
		{"no asset", func(r *Record) { r.Asset = Asset{} }},
		{"no chains", func(r *Record) { r.Chains = nil }},
		{"bad chain id", func(r *Record) { r.Chains = []string{"base/8453"} }},
		{"bad evm settlement", func(r *Record) {
			r.Settlement = map[string]string{"evm:base:8453": "not-an-address"}
		}},
		{"empty settlement addr", func(r *Record) {
			r.Settlement = map[string]string{"xrp:mainnet": ""}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := validRecord()
			tc.mutate(r)
			require.ErrorIs(t, r.Validate(), ErrInvalidRecord)
		})
	}
}

func TestParseRecordGarbage(t *testing.T) {
	_, err := ParseRecord("{not json")
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRoutingAddressFor(t *testing.T) {
	pk := strings.Repeat("ab", 32)
	addr := RoutingAddressFor(pk)
	require.Equal(t, "g.zapmesh.abababab", addr)

	r := validRecord()
	r.Address = addr
	require.NoError(t, r.Validate())
}
