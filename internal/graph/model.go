// Package graph provides the call graph data model.
//
// It defines the declaration and call-site values handed to the call graph
// builder by a front end, the symbol table that interns canonical names,
// and the deduplicated edge set those symbols are connected by.
package graph

// MemberSeparator joins an owning type name and a method name.
const MemberSeparator = "::"

// DeclKind is the kind of a declaration visited during traversal.
type DeclKind int

const (
	DeclOther DeclKind = iota
	DeclFunction
	DeclMethod
	DeclType
	DeclVariable
	DeclClosure
)

// String returns the string representation of the DeclKind.
func (k DeclKind) String() string {
	switch k {
	case DeclFunction:
		return "function"
	case DeclMethod:
		return "method"
	case DeclType:
		return "type"
	case DeclVariable:
		return "variable"
	case DeclClosure:
		return "closure"
	default:
		return "other"
	}
}

// IsCallable reports whether declarations of this kind can be callers.
func (k DeclKind) IsCallable() bool {
	switch k {
	case DeclFunction, DeclMethod:
		return true
	default:
		return false
	}
}

// Decl is a declaration as seen by the scope tracker.
type Decl struct {
	// Kind is the declaration kind.
	Kind DeclKind

	// Name is the declared name. Empty for anonymous declarations.
	Name string

	// OwnerType is the receiver type name (methods only).
	OwnerType string
}

// IsNamedFunction reports whether d is a named function or method.
func (d Decl) IsNamedFunction() bool {
	return d.Kind.IsCallable() && d.Name != ""
}

// CanonicalName returns the interning key for d.
// Methods with a known owner use the Type::method form.
func (d Decl) CanonicalName() string {
	if d.Kind == DeclMethod {
		return CanonicalName(d.OwnerType, d.Name)
	}
	return d.Name
}

// CalleeKind is the resolution state of a call's target.
type CalleeKind int

const (
	// CalleeUnresolved marks a call whose static target is unknown
	// (dynamic dispatch, function values, builtins).
	CalleeUnresolved CalleeKind = iota
	CalleeFunction
	CalleeMethod
)

// String returns the string representation of the CalleeKind.
func (k CalleeKind) String() string {
	switch k {
	case CalleeFunction:
		return "function"
	case CalleeMethod:
		return "method"
	default:
		return "unresolved"
	}
}

// Callee is the resolved target of a call expression.
type Callee struct {
	Kind      CalleeKind
	Name      string
	OwnerType string
}

// Unresolved is the callee of a call without a static target.
var Unresolved = Callee{Kind: CalleeUnresolved}

// FunctionCallee returns a free-function callee.
func FunctionCallee(name string) Callee {
	return Callee{Kind: CalleeFunction, Name: name}
}

// MethodCallee returns a method callee owned by ownerType.
func MethodCallee(ownerType, name string) Callee {
	return Callee{Kind: CalleeMethod, Name: name, OwnerType: ownerType}
}

// CanonicalName returns the interning key of the callee and false when the
// callee cannot be named.
func (c Callee) CanonicalName() (string, bool) {
	switch c.Kind {
	case CalleeFunction:
		return c.Name, c.Name != ""
	case CalleeMethod:
		return CanonicalName(c.OwnerType, c.Name), c.Name != ""
	case CalleeUnresolved:
		return "", false
	default:
		return "", false
	}
}

// CanonicalName composes owner and name as Type::name.
// An empty owner yields the bare name.
func CanonicalName(owner, name string) string {
	if owner == "" {
		return name
	}
	return owner + MemberSeparator + name
}

// Pos is an offset in the front end's position space.
type Pos int

// Range is a closed source range [Start, End].
type Range struct {
	Start Pos
	End   Pos
}

// IsValid reports whether the range is well formed. Zero is an ordinary
// offset; front ends drop calls that have no position before reporting them.
func (r Range) IsValid() bool {
	return r.Start <= r.End
}

// Within reports whether r lies entirely inside bounds.
// Both ends are inclusive.
func (r Range) Within(bounds Range) bool {
	if !r.IsValid() || !bounds.IsValid() {
		return false
	}
	return r.Start >= bounds.Start && r.End <= bounds.End
}

// CallSite is a call expression event.
type CallSite struct {
	Range  Range
	Callee Callee
}

// Symbol is an interned canonical name.
type Symbol struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Edge is a directed caller -> callee relationship between symbol ids.
type Edge struct {
	Caller int `json:"caller"`
	Callee int `json:"callee"`
}
