package trust

import (
	"context"
	"strconv"

	"github.com/zapmesh/zapmesh/message"
	"github.com/zapmesh/zapmesh/store"
)

// LabelNamespaceQuality is the label namespace counted as a quality rating.
const LabelNamespaceQuality = "quality"

// labelScale divides raw quality ratings into [0,1].
const labelScale = 5

// StoreSource extracts graph edges and trust signals from the event store.
type StoreSource struct {
	store        store.Store
	badgeIssuers map[string]struct{}
}

// NewStoreSource builds a source. An empty issuer list accepts badges from
// any issuer.
func NewStoreSource(s store.Store, badgeIssuers []string) *StoreSource {
	issuers := make(map[string]struct{}, len(badgeIssuers))
	for _, k := range badgeIssuers {
		issuers[k] = struct{}{}
	}
	return &StoreSource{store: s, badgeIssuers: issuers}
}

// Follows implements GraphSource from the newest follow list of pubkey.
func (s *StoreSource) Follows(ctx context.Context, pubkey string) ([]string, error) {
	msgs, err := s.store.Query(ctx, message.Filters{{
		Authors: []string{pubkey},
		Kinds:   []int{message.KindFollowList},
		Limit:   1,
	}})
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return dedupe(msgs[0].TagValues("p")), nil
}

// Followers implements GraphSource by scanning follow lists referencing
// pubkey.
func (s *StoreSource) Followers(ctx context.Context, pubkey string) ([]string, error) {
	msgs, err := s.store.Query(ctx, message.Filters{{
		Kinds: []int{message.KindFollowList},
		Tags:  map[string][]string{"p": {pubkey}},
	}})
	if err != nil {
		return nil, err
	}
	authors := make([]string, 0, len(msgs))
	for _, m := range msgs {
		authors = append(authors, m.PubKey)
	}
	return dedupe(authors), nil
}

// Reactions implements SignalSource. Anything that is not an explicit
// dislike counts as a like.
func (s *StoreSource) Reactions(ctx context.Context, target string, since int64) (int, int, error) {
	msgs, err := s.store.Query(ctx, message.Filters{{
		Kinds: []int{message.KindReaction},
		Tags:  map[string][]string{"p": {target}},
		Since: &since,
	}})
	if err != nil {
		return 0, 0, err
	}
	likes, dislikes := 0, 0
	for _, m := range msgs {
		if m.Content == "-" {
			dislikes++
		} else {
			likes++
		}
	}
	return likes, dislikes, nil
}

// Zaps implements SignalSource from zap receipts addressed to target. The
// uppercase P tag names the sender; amounts are minor units of the asset.
func (s *StoreSource) Zaps(ctx context.Context, target string) ([]Zap, error) {
	msgs, err := s.store.Query(ctx, message.Filters{{
		Kinds: []int{message.KindZapReceipt},
		Tags:  map[string][]string{"p": {target}},
	}})
	if err != nil {
		return nil, err
	}
	zaps := make([]Zap, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.TagValue("amount")
		if !ok {
			continue
		}
		amount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || amount <= 0 {
			continue
		}
		sender, _ := m.TagValue("P")
		zaps = append(zaps, Zap{Sender: sender, Amount: amount})
	}
	return zaps, nil
}

// Labels implements SignalSource from quality-namespace label messages.
// Ratings are numeric l values on a 0..5 scale.
func (s *StoreSource) Labels(ctx context.Context, target string) ([]Label, error) {
	msgs, err := s.store.Query(ctx, message.Filters{{
		Kinds: []int{message.KindLabel},
		Tags:  map[string][]string{"p": {target}},
	}})
	if err != nil {
		return nil, err
	}
	var labels []Label
	for _, m := range msgs {
		if ns, _ := m.TagValue("L"); ns != LabelNamespaceQuality {
			continue
		}
		for _, raw := range m.TagValues("l") {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			v /= labelScale
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			labels = append(labels, Label{Author: m.PubKey, Value: v})
		}
	}
	return labels, nil
}

// Badges implements SignalSource, counting distinct badge definitions
// awarded to target by allowed issuers.
func (s *StoreSource) Badges(ctx context.Context, target string) (int, error) {
	msgs, err := s.store.Query(ctx, message.Filters{{
		Kinds: []int{message.KindBadgeAward},
		Tags:  map[string][]string{"p": {target}},
	}})
	if err != nil {
		return 0, err
	}
	awarded := make(map[string]struct{})
	for _, m := range msgs {
		if len(s.badgeIssuers) > 0 {
			if _, ok := s.badgeIssuers[m.PubKey]; !ok {
				continue
			}
		}
		coord, ok := m.TagValue("a")
		if !ok {
			continue
		}
		kind, _, _, err := message.ParseCoordinate(coord)
		if err != nil || kind != message.KindBadgeDefinition {
			continue
		}
		awarded[coord] = struct{}{}
	}
	return len(awarded), nil
}

// Reporters implements SignalSource with the distinct authors reporting
// target.
func (s *StoreSource) Reporters(ctx context.Context, target string) ([]string, error) {
	msgs, err := s.store.Query(ctx, message.Filters{{
		Kinds: []int{message.KindReport},
		Tags:  map[string][]string{"p": {target}},
	}})
	if err != nil {
		return nil, err
	}
	authors := make([]string, 0, len(msgs))
	for _, m := range msgs {
		authors = append(authors, m.PubKey)
	}
	return dedupe(authors), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
