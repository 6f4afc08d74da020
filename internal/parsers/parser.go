// Package parsers provides the source front ends that drive call graph
// construction.
//
// A front end loads a primary file together with the rest of its package,
// then walks every declaration depth-first and reports declarations and
// call expressions to a Visitor.
package parsers

import (
	"context"
	"go/ast"
	"go/token"
	"go/types"

	"github.com/Benny93/axon-callgraph/internal/graph"
)

// Visitor receives traversal events.
//
// EnterDecl and ExitDecl are called in matched pairs following the tree
// structure, pre-order for enter and post-order for exit. VisitCall is
// called for every call expression in the open subtree; a non-nil error
// stops the walk.
type Visitor interface {
	EnterDecl(d graph.Decl)
	ExitDecl(d graph.Decl)
	VisitCall(call graph.CallSite) error
}

// Unit is a type-checked package with one designated primary file.
type Unit struct {
	// Path is the primary file's path as recorded in the file set.
	Path string

	// Fset holds positions for every file of the unit.
	Fset *token.FileSet

	// Files are all files of the package, in traversal order.
	Files []*ast.File

	// Primary is the file the call graph is computed for.
	Primary *ast.File

	// Pkg and Info are the type-checker results. Info may be partial when
	// the package has type errors.
	Pkg  *types.Package
	Info *types.Info

	// Errors collects non-fatal load and type errors.
	Errors []error
}

// Bounds returns the position range covered by the primary file.
func (u *Unit) Bounds() graph.Range {
	tf := u.Fset.File(u.Primary.Package)
	if tf == nil {
		return graph.Range{}
	}
	return graph.Range{
		Start: graph.Pos(tf.Base()),
		End:   graph.Pos(tf.Base() + tf.Size()),
	}
}

// Parser defines the interface for language-specific front ends.
type Parser interface {
	// Load reads the file at path and everything needed to resolve its calls.
	Load(ctx context.Context, path string) (*Unit, error)

	// Walk drives v over every declaration of u.
	Walk(u *Unit, v Visitor) error

	// Language returns the language this parser handles.
	Language() string
}
