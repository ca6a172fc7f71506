package routing

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	apperrors "message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/filter"
	"message-router/internal/message"
)

var (
	d1 = Descriptor{Address: "orders-queue", Contract: ContractOneWay, Binding: "mem"}
	d2 = Descriptor{Address: "audit-queue", Contract: ContractOneWay, Binding: "mem"}
)

func headerEq(t testing.TB, name, value string) filter.Filter {
	t.Helper()
	f, err := filter.Header(name, filter.OpEq, value)
	require.NoError(t, err)
	return f
}

func msgWith(headers ...string) *message.Message {
	m := message.New(message.VersionSOAP12WSA10, []byte("<order/>"))
	for i := 0; i+1 < len(headers); i += 2 {
		m.Add(headers[i], headers[i+1])
	}
	return m
}

func exampleTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable([]Entry{
		{Name: "orders", Filter: headerEq(t, "kind", "orders"), Destinations: []Descriptor{d1}},
		{Name: "eu", Filter: headerEq(t, "region", "eu"), Destinations: []Descriptor{d1, d2}},
	}, false, logging.NewNopLogger())
	require.NoError(t, err)
	return table
}

func TestTable_Match(t *testing.T) {
	table := exampleTable(t)

	t.Run("union of matching entries without duplicates", func(t *testing.T) {
		got := table.Match(msgWith("kind", "orders", "region", "eu"))
		assert.Equal(t, []Descriptor{d1, d2}, got)
	})

	t.Run("single entry", func(t *testing.T) {
		assert.Equal(t, []Descriptor{d1}, table.Match(msgWith("kind", "orders")))
		assert.Equal(t, []Descriptor{d1, d2}, table.Match(msgWith("region", "eu")))
	})

	t.Run("no match is empty, not nil", func(t *testing.T) {
		got := table.Match(msgWith())
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("failing filter is a non-match", func(t *testing.T) {
		broken := filter.Func(func(*message.Message) (bool, error) { return true, errors.New("boom") })
		table, err := NewTable([]Entry{
			{Filter: broken, Destinations: []Descriptor{d1}},
			{Filter: filter.MatchAll(), Destinations: []Descriptor{d2}},
		}, false, logging.NewNopLogger())
		require.NoError(t, err)

		assert.Equal(t, []Descriptor{d2}, table.Match(msgWith()))
	})

	t.Run("order follows entry insertion", func(t *testing.T) {
		table, err := NewTable([]Entry{
			{Filter: filter.MatchAll(), Destinations: []Descriptor{d2}},
			{Filter: filter.MatchAll(), Destinations: []Descriptor{d1, d2}},
		}, false, logging.NewNopLogger())
		require.NoError(t, err)
		assert.Equal(t, []Descriptor{d2, d1}, table.Match(msgWith()))
	})
}

func TestTable_BodyFilters(t *testing.T) {
	body, err := filter.BodyJSON("region", filter.OpEq, "eu")
	require.NoError(t, err)
	entries := []Entry{{Name: "by-body", Filter: body, Destinations: []Descriptor{d1}}}

	t.Run("rejected when routing on headers only", func(t *testing.T) {
		_, err := NewTable(entries, true, logging.NewNopLogger())
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
		assert.Contains(t, err.Error(), "by-body")
	})

	t.Run("body is buffered before evaluation", func(t *testing.T) {
		table, err := NewTable(entries, false, logging.NewNopLogger())
		require.NoError(t, err)
		assert.True(t, table.NeedsBody())

		m := message.NewStreaming(message.VersionNone, strings.NewReader(`{"region":"eu"}`))
		assert.Equal(t, []Descriptor{d1}, table.Match(m))
		assert.True(t, m.IsBuffered())
	})

	t.Run("header-only table leaves streams untouched", func(t *testing.T) {
		table := exampleTable(t)
		assert.False(t, table.NeedsBody())

		m := message.NewStreaming(message.VersionNone, strings.NewReader("payload"))
		m.Add("kind", "orders")
		table.Match(m)
		assert.False(t, m.IsBuffered())
	})
}

func TestNewTable_Validation(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
	}{
		{"nil filter", Entry{Destinations: []Descriptor{d1}}},
		{"missing address", Entry{Filter: filter.MatchAll(), Destinations: []Descriptor{{Binding: "mem", Contract: ContractOneWay}}}},
		{"missing binding", Entry{Filter: filter.MatchAll(), Destinations: []Descriptor{{Address: "a", Contract: ContractOneWay}}}},
		{"bad contract", Entry{Filter: filter.MatchAll(), Destinations: []Descriptor{{Address: "a", Binding: "mem", Contract: "broadcast"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable([]Entry{tt.entry}, false, logging.NewNopLogger())
			assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
		})
	}

	table, err := NewTable(nil, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, table.Len())
}

// The match result is exactly the distinct destinations of the matching
// entries, each once, in first-occurrence order.
func TestTable_MatchIsUnionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pool := []Descriptor{
			{Address: "a", Contract: ContractOneWay, Binding: "mem"},
			{Address: "b", Contract: ContractOneWay, Binding: "mem"},
			{Address: "c", Contract: ContractOneWay, Binding: "mem"},
			{Address: "a", Contract: ContractSession, Binding: "mem"},
		}

		n := rapid.IntRange(0, 6).Draw(t, "entries")
		entries := make([]Entry, n)
		matches := make([]bool, n)
		for i := range entries {
			matches[i] = rapid.Bool().Draw(t, fmt.Sprintf("match%d", i))
			hit := matches[i]
			idx := rapid.SliceOfN(rapid.IntRange(0, len(pool)-1), 1, 4).Draw(t, fmt.Sprintf("dests%d", i))
			dests := make([]Descriptor, len(idx))
			for j, k := range idx {
				dests[j] = pool[k]
			}
			entries[i] = Entry{
				Filter:       filter.Func(func(*message.Message) (bool, error) { return hit, nil }),
				Destinations: dests,
			}
		}

		table, err := NewTable(entries, false, logging.NewNopLogger())
		if err != nil {
			t.Fatalf("NewTable: %v", err)
		}

		var want []Descriptor
		seen := map[Descriptor]bool{}
		for i, e := range entries {
			if !matches[i] {
				continue
			}
			for _, d := range e.Destinations {
				if !seen[d] {
					seen[d] = true
					want = append(want, d)
				}
			}
		}

		got := table.Match(msgWith())
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	})
}
