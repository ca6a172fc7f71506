// Package filter provides the message predicates a routing table is built
// from.
//
// Every filter declares the tier of data it inspects. Header-tier filters
// never touch the body, so a table made only of them can route a message
// whose body is still an unread stream. Body-tier filters require the body
// to be buffered before evaluation.
package filter

import (
	"strings"

	"message-router/internal/message"
)

// Tier is the part of a message a filter reads.
type Tier int

const (
	// TierHeaders filters read headers and local properties only.
	TierHeaders Tier = iota
	// TierBody filters may read the body.
	TierBody
)

func (t Tier) String() string {
	if t == TierBody {
		return "body"
	}
	return "headers"
}

// Filter is a predicate over a message. An error means the filter could not
// be evaluated against this message.
type Filter interface {
	Match(msg *message.Message) (bool, error)
	Tier() Tier
}

// Func adapts a function to a header-tier Filter.
type Func func(msg *message.Message) (bool, error)

func (f Func) Match(msg *message.Message) (bool, error) { return f(msg) }
func (f Func) Tier() Tier { return TierHeaders }

type matchAll struct{}

// MatchAll matches every message.
func MatchAll() Filter { return matchAll{} }

func (matchAll) Match(*message.Message) (bool, error) { return true, nil }
func (matchAll) Tier() Tier { return TierHeaders }

type actionFilter struct {
	actions map[string]struct{}
}

// Action matches messages whose Action header is one of actions.
func Action(actions ...string) Filter {
	f := actionFilter{actions: make(map[string]struct{}, len(actions))}
	for _, a := range actions {
		f.actions[a] = struct{}{}
	}
	return f
}

func (f actionFilter) Match(msg *message.Message) (bool, error) {
	action, ok := msg.Get(message.HeaderAction)
	if !ok {
		return false, nil
	}
	_, hit := f.actions[action]
	return hit, nil
}

func (actionFilter) Tier() Tier { return TierHeaders }

type addressFilter struct {
	address string
	prefix  bool
}

// Address matches messages whose To header equals address.
func Address(address string) Filter {
	return addressFilter{address: address}
}

// AddressPrefix matches messages whose To header starts with prefix.
func AddressPrefix(prefix string) Filter {
	return addressFilter{address: prefix, prefix: true}
}

func (f addressFilter) Match(msg *message.Message) (bool, error) {
	to, ok := msg.Get(message.HeaderTo)
	if !ok {
		return false, nil
	}
	if f.prefix {
		return strings.HasPrefix(to, f.address), nil
	}
	return to == f.address, nil
}

func (addressFilter) Tier() Tier { return TierHeaders }

type endpointFilter struct {
	name string
}

// Endpoint matches messages received on the named inbound endpoint.
func Endpoint(name string) Filter {
	return endpointFilter{name: name}
}

func (f endpointFilter) Match(msg *message.Message) (bool, error) {
	v, ok := msg.Property(message.PropertyEndpoint)
	return ok && v == f.name, nil
}

func (endpointFilter) Tier() Tier { return TierHeaders }

type andFilter struct {
	filters []Filter
}

// And matches when every child matches. Children are evaluated in order and
// evaluation stops at the first non-match or error.
func And(filters ...Filter) Filter {
	return andFilter{filters: filters}
}

func (f andFilter) Match(msg *message.Message) (bool, error) {
	for _, child := range f.filters {
		ok, err := child.Match(msg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (f andFilter) Tier() Tier { return maxTier(f.filters) }

type orFilter struct {
	filters []Filter
}

// Or matches when any child matches. A child error is returned only if no
// later child matches.
func Or(filters ...Filter) Filter {
	return orFilter{filters: filters}
}

func (f orFilter) Match(msg *message.Message) (bool, error) {
	var firstErr error
	for _, child := range f.filters {
		ok, err := child.Match(msg)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

func (f orFilter) Tier() Tier { return maxTier(f.filters) }

type notFilter struct {
	filter Filter
}

// Not inverts a filter. Errors are passed through, not inverted.
func Not(f Filter) Filter {
	return notFilter{filter: f}
}

func (f notFilter) Match(msg *message.Message) (bool, error) {
	ok, err := f.filter.Match(msg)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (f notFilter) Tier() Tier { return f.filter.Tier() }

func maxTier(filters []Filter) Tier {
	t := TierHeaders
	for _, f := range filters {
		if f.Tier() > t {
			t = f.Tier()
		}
	}
	return t
}
