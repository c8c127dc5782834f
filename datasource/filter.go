package datasource

import (
	"fmt"
	"log"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// Filter is a boolean expr-lang expression over the columns of a record,
// e.g. `conv_rate > 0.5 && city == "hz"`.
type Filter struct {
	code      string
	program   *vm.Program
	variables []string
}

func CompileFilter(code string) (*Filter, error) {
	variables, err := ExtractVariables(code)
	if err != nil {
		return nil, err
	}
	program, err := expr.Compile(code, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", code, err)
	}
	return &Filter{code: code, program: program, variables: variables}, nil
}

func (f *Filter) String() string {
	return f.code
}

// Variables lists the columns the expression reads.
func (f *Filter) Variables() []string {
	return f.variables
}

func (f *Filter) Match(fields map[string]interface{}) (bool, error) {
	out, err := expr.Run(f.program, fields)
	if err != nil {
		return false, err
	}
	b, _ := out.(bool)
	return b, nil
}

// ExtractVariables parses an expr expression and returns every variable name it references.
func ExtractVariables(code string) ([]string, error) {
	tree, err := parser.Parse(code)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expression: %w", err)
	}

	variables := make(map[string]struct{})
	walk(tree.Node, variables)

	var result []string
	for v := range variables {
		result = append(result, v)
	}

	sort.Strings(result)

	return result, nil
}

func walk(node ast.Node, variables map[string]struct{}) {
	if node == nil {
		return
	}

	switch n := node.(type) {
	case *ast.IdentifierNode:
		variables[n.Value] = struct{}{}

	case *ast.BinaryNode:
		walk(n.Left, variables)
		walk(n.Right, variables)

	case *ast.UnaryNode:
		walk(n.Node, variables)

	case *ast.MemberNode:
		walk(n.Node, variables)

	case *ast.CallNode:
		for _, arg := range n.Arguments {
			walk(arg, variables)
		}
		walk(n.Callee, variables)

	case *ast.BuiltinNode:
		for _, arg := range n.Arguments {
			walk(arg, variables)
		}

	case *ast.ConditionalNode:
		walk(n.Cond, variables)
		walk(n.Exp1, variables)
		walk(n.Exp2, variables)

	case *ast.ArrayNode:
		for _, elem := range n.Nodes {
			walk(elem, variables)
		}

	case *ast.MapNode:
		for _, pair := range n.Pairs {
			walk(pair, variables)
		}

	case *ast.PairNode:
		walk(n.Key, variables)
		walk(n.Value, variables)

	case *ast.NilNode, *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode, *ast.StringNode:
		// Do nothing

	default:
		log.Printf("unhandled node type: %T\n", n)
	}
}
