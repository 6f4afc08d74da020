package parsers

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"

	"github.com/Benny93/axon-callgraph/internal/graph"
)

const loadMode = packages.NeedName |
	packages.NeedFiles |
	packages.NeedCompiledGoFiles |
	packages.NeedImports |
	packages.NeedSyntax |
	packages.NeedTypes |
	packages.NeedTypesInfo

// GoParser loads and walks Go source using go/packages and go/types.
type GoParser struct {
	logger     *slog.Logger
	buildFlags []string
}

// GoOption configures a GoParser.
type GoOption func(*GoParser)

// WithLogger sets the logger used for load warnings.
func WithLogger(logger *slog.Logger) GoOption {
	return func(p *GoParser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBuildFlags passes extra flags (e.g. -tags) to the go command.
func WithBuildFlags(flags ...string) GoOption {
	return func(p *GoParser) {
		p.buildFlags = append(p.buildFlags, flags...)
	}
}

// NewGoParser creates a new Go parser.
func NewGoParser(opts ...GoOption) *GoParser {
	p := &GoParser{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Language returns the language this parser handles.
func (p *GoParser) Language() string {
	return "go"
}

// Load type-checks the package containing path. When the go command cannot
// load the package the file is checked on its own.
func (p *GoParser) Load(ctx context.Context, path string) (*Unit, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("accessing %s: %w", abs, err)
	}

	u, err := p.loadPackage(ctx, abs)
	if err == nil {
		return u, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var perr packages.Error
	if errors.As(err, &perr) {
		return nil, err
	}

	p.logger.Warn("package load failed, analysing file on its own",
		slog.String("file", abs), slog.Any("error", err))

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", abs, err)
	}
	return p.Parse(abs, content)
}

func (p *GoParser) loadPackage(ctx context.Context, abs string) (*Unit, error) {
	cfg := &packages.Config{
		Context:    ctx,
		Mode:       loadMode,
		Dir:        filepath.Dir(abs),
		Tests:      strings.HasSuffix(abs, "_test.go"),
		BuildFlags: p.buildFlags,
	}

	pkgs, err := packages.Load(cfg, "file="+abs)
	if err != nil {
		return nil, fmt.Errorf("loading package: %w", err)
	}

	for _, pkg := range pkgs {
		if pkg.TypesInfo == nil || pkg.Fset == nil {
			continue
		}
		for _, f := range pkg.Syntax {
			tf := pkg.Fset.File(f.Package)
			if tf == nil || !sameFile(tf.Name(), abs) {
				continue
			}
			if err := parseError(pkg, tf.Name()); err != nil {
				return nil, err
			}
			u := &Unit{
				Path:    tf.Name(),
				Fset:    pkg.Fset,
				Files:   sortFiles(pkg.Fset, pkg.Syntax),
				Primary: f,
				Pkg:     pkg.Types,
				Info:    pkg.TypesInfo,
			}
			for _, e := range pkg.Errors {
				u.Errors = append(u.Errors, e)
			}
			return u, nil
		}
	}

	return nil, fmt.Errorf("no loaded package contains %s", abs)
}

// parseError returns the first syntax error reported for file. The loader
// keeps partial syntax trees, which are not walked.
func parseError(pkg *packages.Package, file string) error {
	for _, e := range pkg.Errors {
		if e.Kind == packages.ParseError && strings.HasPrefix(e.Pos, file+":") {
			return fmt.Errorf("parsing Go code: %w", e)
		}
	}
	return nil
}

// Parse type-checks a single file on its own.
func (p *GoParser) Parse(filePath string, content []byte) (*Unit, error) {
	return p.ParseFiles(filePath, map[string][]byte{filePath: content})
}

// ParseFiles type-checks files as one package and designates primary as the
// file the call graph is computed for. Imports are resolved from source.
// Type errors are recorded on the unit, syntax errors are fatal.
func (p *GoParser) ParseFiles(primary string, files map[string][]byte) (*Unit, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	fset := token.NewFileSet()
	syntax := make([]*ast.File, 0, len(names))
	var primaryFile *ast.File
	for _, name := range names {
		f, err := parser.ParseFile(fset, name, files[name], parser.ParseComments|parser.SkipObjectResolution)
		if err != nil {
			return nil, fmt.Errorf("parsing Go code: %w", err)
		}
		syntax = append(syntax, f)
		if name == primary {
			primaryFile = f
		}
	}
	if primaryFile == nil {
		return nil, fmt.Errorf("primary file %s not among parsed files", primary)
	}

	u := &Unit{
		Path:    primary,
		Fset:    fset,
		Files:   syntax,
		Primary: primaryFile,
		Info: &types.Info{
			Types:      make(map[ast.Expr]types.TypeAndValue),
			Defs:       make(map[*ast.Ident]types.Object),
			Uses:       make(map[*ast.Ident]types.Object),
			Selections: make(map[*ast.SelectorExpr]*types.Selection),
			Instances:  make(map[*ast.Ident]types.Instance),
		},
	}

	conf := types.Config{
		Importer: importer.ForCompiler(fset, "source", nil),
		Error: func(err error) {
			u.Errors = append(u.Errors, err)
		},
	}
	// Errors are collected through conf.Error; the partial result is usable.
	u.Pkg, _ = conf.Check(primaryFile.Name.Name, fset, syntax, u.Info)

	return u, nil
}

// Walk drives v over every declaration of every file in u.
func (p *GoParser) Walk(u *Unit, v Visitor) error {
	w := &walker{unit: u, v: v}
	for _, f := range u.Files {
		for _, decl := range f.Decls {
			if err := w.decl(decl); err != nil {
				return err
			}
		}
	}
	return nil
}

type walker struct {
	unit *Unit
	v    Visitor
}

// within brackets fn with EnterDecl/ExitDecl. Exit runs on every path.
func (w *walker) within(d graph.Decl, fn func() error) error {
	w.v.EnterDecl(d)
	defer w.v.ExitDecl(d)
	return fn()
}

func (w *walker) decl(decl ast.Decl) error {
	switch d := decl.(type) {
	case *ast.FuncDecl:
		return w.funcDecl(d)
	case *ast.GenDecl:
		return w.genDecl(d)
	}
	return nil
}

func (w *walker) funcDecl(fn *ast.FuncDecl) error {
	d := graph.Decl{Kind: graph.DeclFunction, Name: fn.Name.Name}
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		d.Kind = graph.DeclMethod
		d.OwnerType = w.receiverOwner(fn)
	}

	return w.within(d, func() error {
		if fn.Body == nil {
			return nil
		}
		return w.node(fn.Body)
	})
}

func (w *walker) genDecl(gd *ast.GenDecl) error {
	for _, spec := range gd.Specs {
		var err error
		switch s := spec.(type) {
		case *ast.TypeSpec:
			err = w.within(graph.Decl{Kind: graph.DeclType, Name: s.Name.Name}, func() error {
				return w.node(s.Type)
			})
		case *ast.ValueSpec:
			d := graph.Decl{Kind: graph.DeclVariable}
			if len(s.Names) > 0 {
				d.Name = s.Names[0].Name
			}
			err = w.within(d, func() error {
				for _, val := range s.Values {
					if err := w.node(val); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// node walks an expression or statement subtree. Function literals and
// local declarations open their own scope; calls are visited pre-order.
func (w *walker) node(root ast.Node) error {
	var err error
	ast.Inspect(root, func(n ast.Node) bool {
		if err != nil {
			return false
		}
		switch x := n.(type) {
		case *ast.FuncLit:
			err = w.within(graph.Decl{Kind: graph.DeclClosure}, func() error {
				return w.node(x.Body)
			})
			return false
		case *ast.DeclStmt:
			if gd, ok := x.Decl.(*ast.GenDecl); ok {
				err = w.genDecl(gd)
			}
			return false
		case *ast.CallExpr:
			if !x.Pos().IsValid() {
				return true
			}
			err = w.v.VisitCall(graph.CallSite{
				Range:  graph.Range{Start: graph.Pos(x.Pos()), End: graph.Pos(x.End())},
				Callee: w.resolve(x.Fun),
			})
			return err == nil
		}
		return true
	})
	return err
}

// resolve determines the static target of a call's function expression.
func (w *walker) resolve(fun ast.Expr) graph.Callee {
	info := w.unit.Info
	if info == nil {
		return graph.Unresolved
	}

	switch f := ast.Unparen(fun).(type) {
	case *ast.IndexExpr:
		// explicit instantiation: F[int](x)
		return w.resolve(f.X)
	case *ast.IndexListExpr:
		return w.resolve(f.X)
	case *ast.Ident:
		return w.object(info.Uses[f])
	case *ast.SelectorExpr:
		if sel, ok := info.Selections[f]; ok {
			switch sel.Kind() {
			case types.MethodVal, types.MethodExpr:
				if types.IsInterface(sel.Recv()) {
					return graph.Unresolved
				}
				return w.object(sel.Obj())
			default:
				return graph.Unresolved
			}
		}
		// qualified identifier: pkg.F
		return w.object(info.Uses[f.Sel])
	}
	return graph.Unresolved
}

func (w *walker) object(obj types.Object) graph.Callee {
	fn, ok := obj.(*types.Func)
	if !ok {
		return graph.Unresolved
	}
	sig, ok := fn.Type().(*types.Signature)
	if !ok {
		return graph.Unresolved
	}

	recv := sig.Recv()
	if recv == nil {
		return graph.FunctionCallee(w.qualify(fn.Pkg(), fn.Name()))
	}

	owner, ok := w.ownerName(recv.Type())
	if !ok {
		return graph.Unresolved
	}
	return graph.MethodCallee(owner, fn.Name())
}

// ownerName names the concrete type a method is declared on.
// Interface methods have no static owner.
func (w *walker) ownerName(t types.Type) (string, bool) {
	t = types.Unalias(t)
	if ptr, ok := t.(*types.Pointer); ok {
		t = types.Unalias(ptr.Elem())
	}
	named, ok := t.(*types.Named)
	if !ok || types.IsInterface(named) {
		return "", false
	}
	obj := named.Origin().Obj()
	return w.qualify(obj.Pkg(), obj.Name()), true
}

// qualify prefixes names declared outside the analysed package with their
// package name.
func (w *walker) qualify(pkg *types.Package, name string) string {
	if pkg == nil || w.unit.Pkg == nil || pkg.Path() == w.unit.Pkg.Path() {
		return name
	}
	return pkg.Name() + "." + name
}

// receiverOwner names the type a method declaration belongs to. With type
// information it goes through ownerName, so callers and callees agree on
// the owner when the receiver is spelled through an alias.
func (w *walker) receiverOwner(fn *ast.FuncDecl) string {
	if info := w.unit.Info; info != nil {
		if obj, ok := info.Defs[fn.Name].(*types.Func); ok {
			if recv := obj.Signature().Recv(); recv != nil {
				if owner, ok := w.ownerName(recv.Type()); ok {
					return owner
				}
			}
		}
	}
	return receiverTypeName(fn.Recv.List[0].Type)
}

// receiverTypeName extracts the type name from a receiver expression,
// stripping pointers and type parameters.
func receiverTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverTypeName(t.X)
	case *ast.ParenExpr:
		return receiverTypeName(t.X)
	case *ast.IndexExpr:
		return receiverTypeName(t.X)
	case *ast.IndexListExpr:
		return receiverTypeName(t.X)
	case *ast.Ident:
		return t.Name
	}
	return ""
}

func sortFiles(fset *token.FileSet, files []*ast.File) []*ast.File {
	out := append([]*ast.File(nil), files...)
	sort.SliceStable(out, func(i, j int) bool {
		return fset.File(out[i].Package).Name() < fset.File(out[j].Package).Name()
	})
	return out
}

func sameFile(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
