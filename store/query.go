package store

import "github.com/zapmesh/zapmesh/message"

// Collector folds an ordered candidate stream into a query result, applying
// each filter's limit to its own contribution. A limit of zero means
// unlimited. Candidates must be offered in createdAt-descending, id-ascending
// order; the result keeps that order.
type Collector struct {
	filters message.Filters
	counts  []int
	out     []*message.Message
}

// NewCollector returns a collector for the given filter set.
func NewCollector(filters message.Filters) *Collector {
	return &Collector{
		filters: filters,
		counts:  make([]int, len(filters)),
	}
}

// Offer appends the message when at least one filter with remaining room
// matches it. Every matching filter's count advances, so a message shared by
// two filters consumes room in both.
func (c *Collector) Offer(m *message.Message) {
	take := false
	for i := range c.filters {
		if !c.filters[i].Matches(m) {
			continue
		}
		if c.filters[i].Limit > 0 && c.counts[i] >= c.filters[i].Limit {
			continue
		}
		c.counts[i]++
		take = true
	}
	if take {
		c.out = append(c.out, m)
	}
}

// Done reports whether every filter has reached its limit, allowing the
// caller to stop iterating early. It is false while any filter is unlimited.
func (c *Collector) Done() bool {
	if len(c.filters) == 0 {
		return true
	}
	for i := range c.filters {
		if c.filters[i].Limit == 0 || c.counts[i] < c.filters[i].Limit {
			return false
		}
	}
	return true
}

// Messages returns the collected result.
func (c *Collector) Messages() []*message.Message {
	return c.out
}
