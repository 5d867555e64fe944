package executor

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

const (
	defaultMaxNodes              = 2000
	defaultMaxComprehensionDepth = 2
)

type Issue struct {
	Message  string
	Severity string // ERROR
}

// ValidationResult lists the structural problems found in an expression.
// It doubles as the compile error when invalid.
type ValidationResult struct {
	Valid  bool
	Issues []Issue
}

func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Issues))
	for _, iss := range r.Issues {
		msgs = append(msgs, iss.Message)
	}
	return "cel: " + strings.Join(msgs, "; ")
}

// Validator rejects CEL contract expressions that are too large or nest
// comprehensions too deeply to evaluate inside a permission check.
type Validator struct {
	env                   *cel.Env
	MaxNodes              int
	MaxComprehensionDepth int
}

func NewValidator() (*Validator, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, err
	}
	return &Validator{env: env, MaxNodes: defaultMaxNodes, MaxComprehensionDepth: defaultMaxComprehensionDepth}, nil
}

func (v *Validator) Validate(src string) (*ValidationResult, error) {
	parsedAST, issues := v.env.Parse(src)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	w := &walker{v: v}
	w.walk(parsedAST.Expr(), 0) //nolint:staticcheck // AST traversal still needs the proto form

	result := &ValidationResult{Valid: true, Issues: w.issues}
	if w.nodes > v.MaxNodes {
		result.Issues = append(result.Issues, Issue{
			Message:  fmt.Sprintf("expression has %d nodes, limit is %d", w.nodes, v.MaxNodes),
			Severity: "ERROR",
		})
	}
	if len(result.Issues) > 0 {
		result.Valid = false
	}
	return result, nil
}

type walker struct {
	v       *Validator
	nodes   int
	issues  []Issue
	tooDeep bool
}

func (w *walker) walk(e *exprpb.Expr, comprehensions int) {
	if e == nil {
		return
	}
	w.nodes++

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		if call.Target != nil {
			w.walk(call.Target, comprehensions)
		}
		for _, arg := range call.Args {
			w.walk(arg, comprehensions)
		}

	case *exprpb.Expr_SelectExpr:
		w.walk(k.SelectExpr.Operand, comprehensions)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			w.walk(el, comprehensions)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				w.walk(entry.GetMapKey(), comprehensions)
			}
			w.walk(entry.Value, comprehensions)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comprehensions++
		if comprehensions > w.v.MaxComprehensionDepth && !w.tooDeep {
			w.tooDeep = true
			w.issues = append(w.issues, Issue{
				Message:  fmt.Sprintf("comprehensions nested deeper than %d", w.v.MaxComprehensionDepth),
				Severity: "ERROR",
			})
		}
		comp := k.ComprehensionExpr
		w.walk(comp.IterRange, comprehensions)
		w.walk(comp.AccuInit, comprehensions)
		w.walk(comp.LoopCondition, comprehensions)
		w.walk(comp.LoopStep, comprehensions)
		w.walk(comp.Result, comprehensions)
	}
}
