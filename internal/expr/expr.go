// Package expr substitutes ${stepId.path} tokens inside step configuration
// using the outputs of already-completed steps. Paths are resolved with
// gjson against the JSON form of each output.
package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/gantryio/gantry/internal/util"
	"github.com/gantryio/gantry/pkg/api"
)

type (
	// Context is the evaluation context for one execution: the set of steps
	// in the definition plus the outputs of the steps that have completed
	Context struct {
		known   util.Set[api.StepID]
		outputs map[api.StepID][]byte
	}
)

var (
	ErrExpressionSyntax = errors.New("malformed expression")
	ErrUnknownStep      = errors.New("expression references unknown step")
	ErrStepNotCompleted = errors.New(
		"expression references step that has not completed",
	)
	ErrBadOutput = errors.New("step output cannot be encoded")

	tokenPattern = regexp.MustCompile(
		`\$\{([a-z][a-z0-9_-]*)\.([^}]+)\}`,
	)
	anyToken = regexp.MustCompile(`\$\{[^}]*\}`)
)

// NewContext builds an evaluation context from a definition and the outputs
// of completed steps. Outputs are encoded once, up front, so evaluation is
// a pure lookup.
func NewContext(
	def *api.ProcessDefinition, outputs map[api.StepID]api.Args,
) (*Context, error) {
	known := util.Set[api.StepID]{}
	for _, s := range def.Steps {
		known.Add(s.ID)
	}

	enc := make(map[api.StepID][]byte, len(outputs))
	for id, out := range outputs {
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBadOutput, id, err)
		}
		enc[id] = b
	}

	return &Context{known: known, outputs: enc}, nil
}

// Expand replaces every ${stepId.path} token in s. It fails on malformed
// tokens, references to steps outside the graph, and references to steps
// that have not completed.
func (c *Context) Expand(s string) (string, error) {
	var firstErr error
	res := anyToken.ReplaceAllStringFunc(s, func(token string) string {
		val, err := c.resolveToken(token)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return res, nil
}

func (c *Context) resolveToken(token string) (string, error) {
	m := tokenPattern.FindStringSubmatch(token)
	if m == nil {
		return "", fmt.Errorf("%w: %s", ErrExpressionSyntax, token)
	}

	stepID, path := api.StepID(m[1]), m[2]
	if !c.known.Contains(stepID) {
		return "", fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	out, ok := c.outputs[stepID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrStepNotCompleted, stepID)
	}

	return gjson.GetBytes(out, path).String(), nil
}

// ResolveArgs returns a copy of args with every string value expanded.
// Nested maps and slices are walked; non-string values pass through.
func (c *Context) ResolveArgs(args api.Args) (api.Args, error) {
	if args == nil {
		return nil, nil
	}
	res := make(api.Args, len(args))
	for k, v := range args {
		rv, err := c.resolveValue(v)
		if err != nil {
			return nil, err
		}
		res[k] = rv
	}
	return res, nil
}

func (c *Context) resolveValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return c.Expand(val)
	case map[string]any:
		res := make(map[string]any, len(val))
		for k, nested := range val {
			rv, err := c.resolveValue(nested)
			if err != nil {
				return nil, err
			}
			res[k] = rv
		}
		return res, nil
	case []any:
		res := make([]any, len(val))
		for i, nested := range val {
			rv, err := c.resolveValue(nested)
			if err != nil {
				return nil, err
			}
			res[i] = rv
		}
		return res, nil
	default:
		return v, nil
	}
}

// EvalBool evaluates a gateway condition. Supported forms are equality and
// inequality between two expanded operands, and a single expanded operand
// tested for truthiness ("true", "1", or any other non-empty value except
// "false" and "0").
func (c *Context) EvalBool(cond string) (bool, error) {
	if lhs, rhs, ok := splitOperator(cond, "!="); ok {
		l, r, err := c.expandPair(lhs, rhs)
		if err != nil {
			return false, err
		}
		return l != r, nil
	}
	if lhs, rhs, ok := splitOperator(cond, "=="); ok {
		l, r, err := c.expandPair(lhs, rhs)
		if err != nil {
			return false, err
		}
		return l == r, nil
	}

	val, err := c.Expand(strings.TrimSpace(cond))
	if err != nil {
		return false, err
	}
	return truthy(val), nil
}

func (c *Context) expandPair(lhs, rhs string) (string, string, error) {
	l, err := c.Expand(lhs)
	if err != nil {
		return "", "", err
	}
	r, err := c.Expand(rhs)
	if err != nil {
		return "", "", err
	}
	return l, r, nil
}

func splitOperator(cond, op string) (string, string, bool) {
	idx := strings.Index(cond, op)
	if idx < 0 {
		return "", "", false
	}
	lhs := strings.TrimSpace(cond[:idx])
	rhs := strings.TrimSpace(cond[idx+len(op):])
	rhs = strings.Trim(rhs, `"'`)
	return lhs, rhs, true
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "", "false", "0":
		return false
	}
	return true
}
