package graph

// SymbolTable interns canonical names into dense ids starting at 1.
//
// The table is append-only: a name keeps its id for the lifetime of the
// table and ids are never reused.
type SymbolTable struct {
	ids   map[string]int
	names []string
}

// NewSymbolTable creates an empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		ids: make(map[string]int),
	}
}

// ID returns the id of name, assigning the next id on first sight.
func (t *SymbolTable) ID(name string) int {
	if id, ok := t.ids[name]; ok {
		return id
	}
	t.names = append(t.names, name)
	id := len(t.names)
	t.ids[name] = id
	return id
}

// Lookup returns the id of name without interning it.
func (t *SymbolTable) Lookup(name string) (int, bool) {
	id, ok := t.ids[name]
	return id, ok
}

// Name returns the name interned under id.
func (t *SymbolTable) Name(id int) (string, bool) {
	if id < 1 || id > len(t.names) {
		return "", false
	}
	return t.names[id-1], true
}

// Len returns the number of interned names.
func (t *SymbolTable) Len() int {
	return len(t.names)
}

// Symbols returns all symbols in id order.
func (t *SymbolTable) Symbols() []Symbol {
	out := make([]Symbol, len(t.names))
	for i, name := range t.names {
		out[i] = Symbol{ID: i + 1, Name: name}
	}
	return out
}
