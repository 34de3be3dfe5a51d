package guard

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// DefaultScopeExpression evaluates top-level http(s) navigations only.
const DefaultScopeExpression = `frame_id == 0 && scheme in ["http", "https"]`

// ScopeInput is what a scope expression can see.
//
// Available variables:
//   - frame_id: 0 for the top-level context, anything else for nested frames
//   - scheme: lowercased URL scheme
//   - url: the raw navigation target
//   - host: canonical hostname key
type ScopeInput struct {
	FrameID int
	Scheme  string
	URL     string
	Host    string
}

// Scope decides whether a navigation event is evaluated at all
type Scope struct {
	expression string
	program    cel.Program
	logger     *slog.Logger
}

// NewScope compiles expression. An empty expression uses
// DefaultScopeExpression.
func NewScope(expression string, logger *slog.Logger) (*Scope, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if expression == "" {
		expression = DefaultScopeExpression
	}

	env, err := cel.NewEnv(
		cel.Variable("frame_id", cel.IntType),
		cel.Variable("scheme", cel.StringType),
		cel.Variable("url", cel.StringType),
		cel.Variable("host", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile scope expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("scope expression must return a boolean, got %v", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Scope{
		expression: expression,
		program:    program,
		logger:     logger,
	}, nil
}

// Expression returns the compiled expression text.
func (s *Scope) Expression() string {
	return s.expression
}

// InScope reports whether in should be evaluated. Evaluation errors count as
// in scope so enforcement is not silently skipped.
func (s *Scope) InScope(in ScopeInput) bool {
	out, _, err := s.program.Eval(map[string]interface{}{
		"frame_id": int64(in.FrameID),
		"scheme":   in.Scheme,
		"url":      in.URL,
		"host":     in.Host,
	})
	if err != nil {
		s.logger.Warn("scope evaluation failed, treating as in scope",
			"expression", s.expression,
			"url", in.URL,
			"error", err)
		return true
	}

	inScope, ok := out.Value().(bool)
	if !ok {
		return true
	}
	return inScope
}
