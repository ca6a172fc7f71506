package filter

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"message-router/internal/message"
)

// Operator names accepted by Header and BodyJSON filters.
const (
	OpEq         = "eq"
	OpNe         = "ne"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpRegex      = "regex"
	OpIn         = "in"
	OpExists     = "exists"
	OpGt         = "gt"
	OpLt         = "lt"
	OpGte        = "gte"
	OpLte        = "lte"
	OpCIDR       = "cidr"
)

// Operators lists every supported operator.
func Operators() []string {
	return []string{OpEq, OpNe, OpContains, OpStartsWith, OpEndsWith, OpRegex,
		OpIn, OpExists, OpGt, OpLt, OpGte, OpLte, OpCIDR}
}

// condition is a compiled operator with its operand.
type condition struct {
	op      string
	value   string
	regex   *regexp.Regexp
	number  float64
	list    []string
	network *net.IPNet
}

func compileCondition(op string, value interface{}) (*condition, error) {
	c := &condition{op: op}
	if value != nil {
		c.value = fmt.Sprintf("%v", value)
	}

	switch op {
	case OpEq, OpNe, OpContains, OpStartsWith, OpEndsWith, OpExists:
	case OpRegex:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: regex operator requires a string value", ErrInvalidOperand)
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid regex pattern: %v", ErrInvalidOperand, err)
		}
		c.regex = re
	case OpGt, OpLt, OpGte, OpLte:
		n, err := toFloat64(value)
		if err != nil {
			return nil, fmt.Errorf("%w: numeric operator requires numeric value", ErrInvalidOperand)
		}
		c.number = n
	case OpIn:
		list, err := toStringList(value)
		if err != nil {
			return nil, err
		}
		c.list = list
	case OpCIDR:
		_, network, err := net.ParseCIDR(c.value)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid CIDR %q", ErrInvalidOperand, c.value)
		}
		c.network = network
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, op)
	}
	return c, nil
}

// eval applies the condition to a value that was or was not found.
func (c *condition) eval(actual string, found bool) (bool, error) {
	if c.op == OpExists {
		return found, nil
	}
	if !found {
		return false, nil
	}

	switch c.op {
	case OpEq:
		return actual == c.value, nil
	case OpNe:
		return actual != c.value, nil
	case OpContains:
		return strings.Contains(actual, c.value), nil
	case OpStartsWith:
		return strings.HasPrefix(actual, c.value), nil
	case OpEndsWith:
		return strings.HasSuffix(actual, c.value), nil
	case OpRegex:
		return c.regex.MatchString(actual), nil
	case OpIn:
		for _, item := range c.list {
			if actual == item {
				return true, nil
			}
		}
		return false, nil
	case OpGt, OpLt, OpGte, OpLte:
		n, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		if err != nil {
			return false, fmt.Errorf("cannot compare non-numeric value %q", actual)
		}
		switch c.op {
		case OpGt:
			return n > c.number, nil
		case OpLt:
			return n < c.number, nil
		case OpGte:
			return n >= c.number, nil
		default:
			return n <= c.number, nil
		}
	case OpCIDR:
		ip := net.ParseIP(strings.TrimSpace(actual))
		if ip == nil {
			return false, fmt.Errorf("invalid IP address %q", actual)
		}
		return c.network.Contains(ip), nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnsupportedOperator, c.op)
}

type headerFilter struct {
	name string
	cond *condition
}

// Header matches when any value of the named header satisfies op. A missing
// header is evaluated as absent.
func Header(name, op string, value interface{}) (Filter, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: header filter requires a header name", ErrInvalidOperand)
	}
	cond, err := compileCondition(op, value)
	if err != nil {
		return nil, err
	}
	return headerFilter{name: name, cond: cond}, nil
}

func (f headerFilter) Match(msg *message.Message) (bool, error) {
	values := msg.Values(f.name)
	if len(values) == 0 {
		return f.cond.eval("", false)
	}

	var firstErr error
	for _, v := range values {
		ok, err := f.cond.eval(v, true)
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

func (headerFilter) Tier() Tier { return TierHeaders }

type bodyJSONFilter struct {
	path []string
	cond *condition
}

// BodyJSON decodes the body as JSON and compares the value at a dotted path
// ("order.region", "items.0.sku"). An empty path compares the whole body.
func BodyJSON(path, op string, value interface{}) (Filter, error) {
	cond, err := compileCondition(op, value)
	if err != nil {
		return nil, err
	}
	var segments []string
	if path != "" {
		segments = strings.Split(path, ".")
	}
	return bodyJSONFilter{path: segments, cond: cond}, nil
}

func (f bodyJSONFilter) Match(msg *message.Message) (bool, error) {
	data, err := msg.Bytes()
	if err != nil {
		return false, err
	}
	if len(f.path) == 0 {
		return f.cond.eval(string(data), len(data) > 0)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("failed to parse JSON body: %w", err)
	}
	actual, found := lookupPath(doc, f.path)
	return f.cond.eval(actual, found)
}

func (bodyJSONFilter) Tier() Tier { return TierBody }

func lookupPath(doc interface{}, path []string) (string, bool) {
	cur := doc
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return "", false
			}
			cur = next
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return "", false
			}
			cur = node[i]
		default:
			return "", false
		}
	}

	switch v := cur.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case map[string]interface{}, []interface{}:
		raw, _ := json.Marshal(v)
		return string(raw), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func toFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", value)
	}
}

func toStringList(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = fmt.Sprintf("%v", item)
		}
		return out, nil
	case string:
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	default:
		return nil, fmt.Errorf("%w: 'in' operator requires a list or comma-separated string", ErrInvalidOperand)
	}
}
