package filter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"message-router/internal/message"
)

// expressionFilter evaluates a CEL program. Its tier depends on whether the
// expression references the body.
type expressionFilter struct {
	source  string
	program cel.Program
	tier    Tier
}

func headerVariables() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("properties", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("action", cel.StringType),
		cel.Variable("to", cel.StringType),
		cel.Variable("endpoint", cel.StringType),
		cel.Variable("version", cel.StringType),
	}
}

// Expression compiles a CEL boolean expression. Available variables:
//
//	headers     map(string, string)  lower-cased names, first value
//	properties  map(string, string)
//	action, to, endpoint, version  string
//	body        dyn  decoded JSON, or the raw body as a string
//
// Expressions that do not reference body are header-tier.
func Expression(source string) (Filter, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	headerEnv, err := cel.NewEnv(headerVariables()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	tier := TierHeaders
	env := headerEnv
	ast, issues := headerEnv.Compile(source)
	if issues != nil && issues.Err() != nil {
		bodyEnv, err := headerEnv.Extend(cel.Variable("body", cel.DynType))
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL environment: %w", err)
		}
		ast, issues = bodyEnv.Compile(source)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, issues.Err())
		}
		tier = TierBody
		env = bodyEnv
	}

	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression must evaluate to bool, got %s", ErrInvalidExpression, out)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return &expressionFilter{source: source, program: prg, tier: tier}, nil
}

func (f *expressionFilter) Match(msg *message.Message) (bool, error) {
	vars, err := f.activation(msg)
	if err != nil {
		return false, err
	}

	val, _, err := f.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", f.source, err)
	}
	result, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("evaluate %q: result is %T, not bool", f.source, val.Value())
	}
	return result, nil
}

func (f *expressionFilter) Tier() Tier { return f.tier }

func (f *expressionFilter) activation(msg *message.Message) (map[string]interface{}, error) {
	headers := make(map[string]string)
	for _, h := range msg.Headers() {
		key := strings.ToLower(h.Name)
		if _, seen := headers[key]; !seen {
			headers[key] = h.Value
		}
	}
	endpoint, _ := msg.Property(message.PropertyEndpoint)

	vars := map[string]interface{}{
		"headers":    headers,
		"properties": msg.Properties(),
		"action":     msg.Action(),
		"to":         msg.To(),
		"endpoint":   endpoint,
		"version":    string(msg.Version),
	}

	if f.tier == TierBody {
		data, err := msg.Bytes()
		if err != nil {
			return nil, err
		}
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			doc = string(data)
		}
		vars["body"] = doc
	}
	return vars, nil
}
