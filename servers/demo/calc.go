package demo

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"
)

const (
	maxExpressionLength = 1024
	maxExpressionDepth  = 64
)

const expressionChars = "0123456789.+-*/ \t"

// evaluate computes an arithmetic expression made of numbers, + - * /, unary signs and
// parentheses, with the usual precedence. Anything else is rejected before compilation, and both
// the length and the parenthesis nesting of the input are bounded.
func evaluate(input string) (float64, error) {
	if strings.TrimSpace(input) == "" {
		return 0, errors.New("empty expression")
	}
	if len(input) > maxExpressionLength {
		return 0, fmt.Errorf("expression longer than %d bytes", maxExpressionLength)
	}

	depth := 0
	for i, r := range input {
		switch {
		case r == '(':
			depth++
			if depth > maxExpressionDepth {
				return 0, fmt.Errorf("expression nested deeper than %d levels", maxExpressionDepth)
			}
		case r == ')':
			depth--
			if depth < 0 {
				return 0, fmt.Errorf("unexpected ')' at position %d", i)
			}
		case strings.ContainsRune(expressionChars, r):
		default:
			return 0, fmt.Errorf("unexpected %q at position %d", r, i)
		}
	}
	if depth > 0 {
		return 0, errors.New("missing ')'")
	}

	program, err := expr.Compile(input, expr.AsFloat64())
	if err != nil {
		return 0, fmt.Errorf("invalid expression: %w", err)
	}
	out, err := expr.Run(program, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type %T", out)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errors.New("division by zero")
	}
	return v, nil
}
