package feed

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/kalambet/evalq/internal/submission"
)

// PendingFilter is the expression every evaluator's cache subscribes with.
const PendingFilter = `status == "pending"`

// Filter is a compiled CEL predicate over a submission row. The zero value
// and the empty expression match everything.
type Filter struct {
	expr    string
	prog    cel.Program
	enabled bool
}

// CompileFilter parses and type-checks expr. Available variables: id, status,
// feedback, full_name, email, evaluated_by (strings), created_at and
// evaluated_at (timestamps; evaluated_at is the zero time while pending) and
// decided (bool).
func CompileFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("feedback", cel.StringType),
		cel.Variable("full_name", cel.StringType),
		cel.Variable("email", cel.StringType),
		cel.Variable("evaluated_by", cel.StringType),
		cel.Variable("created_at", cel.TimestampType),
		cel.Variable("evaluated_at", cel.TimestampType),
		cel.Variable("decided", cel.BoolType),
	)
	if err != nil {
		return Filter{}, fmt.Errorf("building filter env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, fmt.Errorf("compiling filter %q: %w", expr, iss.Err())
	}
	if ast.OutputType().String() != cel.BoolType.String() {
		return Filter{}, fmt.Errorf("filter %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return Filter{}, fmt.Errorf("planning filter %q: %w", expr, err)
	}
	return Filter{expr: expr, prog: prog, enabled: true}, nil
}

// MustCompileFilter is CompileFilter for constant expressions.
func MustCompileFilter(expr string) Filter {
	f, err := CompileFilter(expr)
	if err != nil {
		panic(err)
	}
	return f
}

// Match evaluates the filter against it. Evaluation errors count as no match.
func (f Filter) Match(it submission.Item) bool {
	if !f.enabled {
		return true
	}
	var evaluatedAt time.Time
	if it.EvaluatedAt != nil {
		evaluatedAt = *it.EvaluatedAt
	}
	out, _, err := f.prog.Eval(map[string]any{
		"id":           it.ID,
		"status":       string(it.Status),
		"feedback":     it.Feedback,
		"full_name":    it.FullName,
		"email":        it.Email,
		"evaluated_by": it.EvaluatedBy,
		"created_at":   it.CreatedAt,
		"evaluated_at": evaluatedAt,
		"decided":      it.Status.Terminal(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Expr returns the source expression.
func (f Filter) Expr() string { return f.expr }

// Delivers reports whether ev should reach a subscriber using f. prior is the
// row before an update when known.
func (f Filter) Delivers(ev submission.ChangeEvent, prior *submission.Item) bool {
	switch ev.Op() {
	case submission.OpDelete:
		return true
	case submission.OpInsert:
		it, _ := ev.Item()
		return f.Match(it)
	case submission.OpUpdate:
		it, _ := ev.Item()
		if f.Match(it) {
			return true
		}
		// Without the prior row we cannot rule out that the subscriber holds
		// it, so the update is delivered and the cache decides.
		return prior == nil || f.Match(*prior)
	}
	return false
}
