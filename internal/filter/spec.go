package filter

import (
	"fmt"
)

// Filter types understood by Build.
const (
	TypeMatchAll      = "match_all"
	TypeAction        = "action"
	TypeAddress       = "address"
	TypeAddressPrefix = "address_prefix"
	TypeEndpoint      = "endpoint"
	TypeHeader        = "header"
	TypeBodyJSON      = "body_json"
	TypeExpression    = "expression"
	TypeAnd           = "and"
	TypeOr            = "or"
	TypeNot           = "not"
)

// Spec is the declarative form of a filter as it appears in the routing file.
type Spec struct {
	Type string `yaml:"type"`

	// action
	Actions []string `yaml:"actions,omitempty"`
	// address, address_prefix, endpoint
	Value string `yaml:"value,omitempty"`

	// header, body_json
	Header   string      `yaml:"header,omitempty"`
	Path     string      `yaml:"path,omitempty"`
	Operator string      `yaml:"operator,omitempty"`
	Operand  interface{} `yaml:"operand,omitempty"`

	// expression
	Expression string `yaml:"expression,omitempty"`

	// and, or
	Filters []Spec `yaml:"filters,omitempty"`
	// not
	Filter *Spec `yaml:"filter,omitempty"`
}

// Build compiles a Spec into a Filter.
func Build(s Spec) (Filter, error) {
	switch s.Type {
	case TypeMatchAll:
		return MatchAll(), nil

	case TypeAction:
		actions := s.Actions
		if len(actions) == 0 && s.Value != "" {
			actions = []string{s.Value}
		}
		if len(actions) == 0 {
			return nil, fmt.Errorf("%w: action filter requires actions", ErrInvalidOperand)
		}
		return Action(actions...), nil

	case TypeAddress, TypeAddressPrefix, TypeEndpoint:
		if s.Value == "" {
			return nil, fmt.Errorf("%w: %s filter requires a value", ErrInvalidOperand, s.Type)
		}
		switch s.Type {
		case TypeAddress:
			return Address(s.Value), nil
		case TypeAddressPrefix:
			return AddressPrefix(s.Value), nil
		}
		return Endpoint(s.Value), nil

	case TypeHeader:
		return Header(s.Header, operatorOrDefault(s.Operator), s.Operand)

	case TypeBodyJSON:
		return BodyJSON(s.Path, operatorOrDefault(s.Operator), s.Operand)

	case TypeExpression:
		return Expression(s.Expression)

	case TypeAnd, TypeOr:
		if len(s.Filters) == 0 {
			return nil, fmt.Errorf("%w: %s filter requires child filters", ErrInvalidOperand, s.Type)
		}
		children := make([]Filter, len(s.Filters))
		for i, child := range s.Filters {
			f, err := Build(child)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", s.Type, i, err)
			}
			children[i] = f
		}
		if s.Type == TypeAnd {
			return And(children...), nil
		}
		return Or(children...), nil

	case TypeNot:
		if s.Filter == nil {
			return nil, fmt.Errorf("%w: not filter requires a child filter", ErrInvalidOperand)
		}
		child, err := Build(*s.Filter)
		if err != nil {
			return nil, fmt.Errorf("not: %w", err)
		}
		return Not(child), nil

	case "":
		return nil, fmt.Errorf("%w: missing filter type", ErrUnsupportedFilterType)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilterType, s.Type)
	}
}

func operatorOrDefault(op string) string {
	if op == "" {
		return OpEq
	}
	return op
}
