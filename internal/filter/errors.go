package filter

import "errors"

var (
	// ErrUnsupportedOperator is returned for an unknown comparison operator.
	ErrUnsupportedOperator = errors.New("unsupported operator")

	// ErrUnsupportedFilterType is returned for an unknown filter type.
	ErrUnsupportedFilterType = errors.New("unsupported filter type")

	// ErrInvalidOperand is returned when an operator's value cannot be used.
	ErrInvalidOperand = errors.New("invalid filter operand")

	// ErrInvalidExpression is returned when a CEL expression does not compile
	// to a boolean program.
	ErrInvalidExpression = errors.New("invalid filter expression")
)
