package message

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }

func TestFilterMatches(t *testing.T) {
	author := strings.Repeat("ab", 32)
	m := &Message{
		ID:        strings.Repeat("12", 32),
		PubKey:    author,
		CreatedAt: 1000,
		Kind:      KindNote,
		Tags:      [][]string{{"e", "deadbeef"}, {"p", author}},
		Content:   "hi",
	}

	for _, tc := range []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches all", Filter{}, true},
		{"id prefix", Filter{IDs: []string{"1212"}}, true},
		{"id miss", Filter{IDs: []string{"ffff"}}, false},
		{"author prefix", Filter{Authors: []string{author[:8]}}, true},
		{"author miss", Filter{Authors: []string{"ffff"}}, false},
		{"kind", Filter{Kinds: []int{KindNote, KindReaction}}, true},
		{"kind miss", Filter{Kinds: []int{KindReaction}}, false},
		{"since inclusive", Filter{Since: int64p(1000)}, true},
		{"since excludes", Filter{Since: int64p(1001)}, false},
		{"until inclusive", Filter{Until: int64p(1000)}, true},
		{"until excludes", Filter{Until: int64p(999)}, false},
		{"tag exact", Filter{Tags: map[string][]string{"e": {"deadbeef"}}}, true},
		{"tag value miss", Filter{Tags: map[string][]string{"e": {"dead"}}}, false},
		{"tag name miss", Filter{Tags: map[string][]string{"t": {"deadbeef"}}}, false},
		{"all conditions", Filter{
			Authors: []string{author},
			Kinds:   []int{KindNote},
			Since:   int64p(500),
			Until:   int64p(1500),
			Tags:    map[string][]string{"p": {author}},
		}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.filter.Matches(m))
		})
	}
}

func TestFiltersDisjunction(t *testing.T) {
	m := &Message{ID: "aa00", PubKey: "bb00", Kind: KindNote, CreatedAt: 5}
	fs := Filters{
		{Kinds: []int{KindReaction}},
		{Kinds: []int{KindNote}},
	}
	require.True(t, fs.Match(m))
	require.False(t, Filters{{Kinds: []int{KindReaction}}}.Match(m))
	require.False(t, Filters{}.Match(m))
}

func TestFilterJSONRoundTrip(t *testing.T) {
	f := Filter{
		Authors: []string{"ab", "cd"},
		Kinds:   []int{1, 7},
		Since:   int64p(100),
		Tags:    map[string][]string{"e": {"x"}, "p": {"y", "z"}},
		Limit:   20,
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var back Filter
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, f, back)
}

func TestFilterJSONWire(t *testing.T) {
	raw := `{"kinds":[10747],"#d":["gold"],"limit":5,"since":42}`
	var f Filter
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	require.Equal(t, []int{10747}, f.Kinds)
	require.Equal(t, map[string][]string{"d": {"gold"}}, f.Tags)
	require.Equal(t, 5, f.Limit)
	require.Equal(t, int64(42), *f.Since)
	require.Nil(t, f.Until)
}
