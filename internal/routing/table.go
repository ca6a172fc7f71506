package routing

import (
	"strconv"

	apperrors "message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/filter"
	"message-router/internal/message"
)

// Entry pairs a filter with the destinations a matching message goes to.
type Entry struct {
	Name         string
	Filter       filter.Filter
	Destinations []Descriptor
}

// Table is an immutable, ordered set of entries. Matching evaluates every
// entry and returns the union of their destinations.
type Table struct {
	entries   []Entry
	needsBody bool
	logger    logging.Logger
}

// NewTable validates entries and builds a table. With headersOnly set, an
// entry whose filter reads the body is a configuration error.
func NewTable(entries []Entry, headersOnly bool, logger logging.Logger) (*Table, error) {
	if logger == nil {
		logger = logging.WithComponent("routing")
	}

	t := &Table{entries: make([]Entry, len(entries)), logger: logger}
	for i, e := range entries {
		name := e.Name
		if name == "" {
			name = "#" + strconv.Itoa(i)
		}
		if e.Filter == nil {
			return nil, apperrors.ConfigErrorf("table %s: filter is required", name)
		}
		if e.Filter.Tier() == filter.TierBody {
			if headersOnly {
				return nil, apperrors.ConfigErrorf("table %s: filter inspects the body but routing is restricted to headers", name)
			}
			t.needsBody = true
		}
		for _, d := range e.Destinations {
			if d.Address == "" || d.Binding == "" {
				return nil, apperrors.ConfigErrorf("table %s: destination %s needs an address and a binding", name, d)
			}
			if _, err := ParseContract(string(d.Contract)); err != nil {
				return nil, apperrors.ConfigErrorf("table %s: %v", name, err)
			}
		}

		dests := make([]Descriptor, len(e.Destinations))
		copy(dests, e.Destinations)
		t.entries[i] = Entry{Name: name, Filter: e.Filter, Destinations: dests}
	}
	return t, nil
}

// Match returns the distinct destinations of every matching entry, in entry
// order and then destination order, first occurrence wins. A filter that
// fails to evaluate is treated as not matching. No match yields an empty
// slice.
func (t *Table) Match(msg *message.Message) []Descriptor {
	if t.needsBody && !msg.IsBuffered() {
		if err := msg.Buffer(); err != nil {
			// body-tier filters will report their own errors below
			t.logger.Warn("Failed to buffer message body for filtering", logging.Err(err))
		}
	}

	out := []Descriptor{}
	seen := make(map[Descriptor]struct{})
	for _, e := range t.entries {
		ok, err := e.Filter.Match(msg)
		if err != nil {
			t.logger.Debug("Filter evaluation failed, treating as no match",
				logging.String("entry", e.Name),
				logging.Err(err),
			)
			continue
		}
		if !ok {
			continue
		}
		for _, d := range e.Destinations {
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// NeedsBody reports whether any entry reads the body.
func (t *Table) NeedsBody() bool { return t.needsBody }
