package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Filter selects messages for queries and subscriptions. All set conditions
// must hold; ids and authors match by hex prefix, tag conditions match the
// value exactly. Since and Until are inclusive.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Tags    map[string][]string
	Limit   int
}

// Filters is a disjunction: a message matches when any filter matches.
type Filters []Filter

// Match reports whether any filter in the set matches the message.
func (fs Filters) Match(m *Message) bool {
	for i := range fs {
		if fs[i].Matches(m) {
			return true
		}
	}
	return false
}

// Matches reports whether every condition set on the filter holds for the
// message.
func (f *Filter) Matches(m *Message) bool {
	if len(f.IDs) > 0 && !prefixMatch(f.IDs, m.ID) {
		return false
	}
	if len(f.Authors) > 0 && !prefixMatch(f.Authors, m.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == m.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && m.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && m.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if !tagMatch(m, name, values) {
			return false
		}
	}
	return true
}

func prefixMatch(prefixes []string, value string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

func tagMatch(m *Message, name string, values []string) bool {
	for _, tag := range m.Tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		for _, v := range values {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}

// filterJSON is the wire shape of a filter without the tag conditions, which
// travel as dynamic "#<name>" keys.
type filterJSON struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// MarshalJSON encodes the filter with tag conditions as "#<name>" keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(filterJSON{
		IDs:     f.IDs,
		Authors: f.Authors,
		Kinds:   f.Kinds,
		Since:   f.Since,
		Until:   f.Until,
		Limit:   f.Limit,
	})
	if err != nil {
		return nil, err
	}
	if len(f.Tags) == 0 {
		return base, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for name, values := range f.Tags {
		raw, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		fields["#"+name] = raw
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes the filter, folding "#<name>" keys into the Tags map.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var base filterJSON
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}
	f.IDs = base.IDs
	f.Authors = base.Authors
	f.Kinds = base.Kinds
	f.Since = base.Since
	f.Until = base.Until
	f.Limit = base.Limit
	f.Tags = nil

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for name, raw := range fields {
		if !strings.HasPrefix(name, "#") || len(name) < 2 {
			continue
		}
		var values []string
		if err := json.Unmarshal(raw, &values); err != nil {
			return fmt.Errorf("message: tag condition %s: %w", name, err)
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[name[1:]] = values
	}
	return nil
}
