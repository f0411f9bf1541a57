package ir

import "fmt"

// Module is a compilation unit: an ordered set of functions plus the
// nominal types declared alongside them. The differentiation transform
// mutates a module in place under exclusive ownership.
type Module struct {
	funcs   []*Function
	byName  map[string]*Function
	structs []*StructType
	enums   []*EnumType
}

// NewModule returns an empty module.
func NewModule() *Module {
	return &Module{byName: make(map[string]*Function)}
}

// NewFunc declares a function with the given name and type and adds it to
// the module. The body starts empty; create the entry block with NewBlock.
func (m *Module) NewFunc(name string, t *FunctionType) (*Function, error) {
	if _, dup := m.byName[name]; dup {
		return nil, fmt.Errorf("duplicate function %q", name)
	}
	f := &Function{Name: name, Type: t, mod: m}
	m.funcs = append(m.funcs, f)
	m.byName[name] = f
	return f, nil
}

// MustNewFunc is NewFunc that panics on duplicates. Generation uses it with
// names it has made unique itself.
func (m *Module) MustNewFunc(name string, t *FunctionType) *Function {
	f, err := m.NewFunc(name, t)
	if err != nil {
		panic(err)
	}
	return f
}

// Func returns the function with the given name, or nil.
func (m *Module) Func(name string) *Function { return m.byName[name] }

// Funcs returns all functions in declaration order.
func (m *Module) Funcs() []*Function { return m.funcs }

// RemoveFunc deletes the named function from the module. Rollback after a
// failed transform run removes every generated function this way.
func (m *Module) RemoveFunc(name string) {
	f, ok := m.byName[name]
	if !ok {
		return
	}
	delete(m.byName, name)
	for i, g := range m.funcs {
		if g == f {
			m.funcs = append(m.funcs[:i], m.funcs[i+1:]...)
			break
		}
	}
}

// DeclareStruct registers a nominal struct type with the module.
func (m *Module) DeclareStruct(t *StructType) {
	for _, s := range m.structs {
		if s.Name == t.Name {
			return
		}
	}
	m.structs = append(m.structs, t)
}

// DeclareEnum registers a nominal enum type with the module.
func (m *Module) DeclareEnum(t *EnumType) {
	for _, e := range m.enums {
		if e.Name == t.Name {
			return
		}
	}
	m.enums = append(m.enums, t)
}

// RemoveStruct deletes a declared struct by name.
func (m *Module) RemoveStruct(name string) {
	for i, s := range m.structs {
		if s.Name == name {
			m.structs = append(m.structs[:i], m.structs[i+1:]...)
			return
		}
	}
}

// RemoveEnum deletes a declared enum by name.
func (m *Module) RemoveEnum(name string) {
	for i, e := range m.enums {
		if e.Name == name {
			m.enums = append(m.enums[:i], m.enums[i+1:]...)
			return
		}
	}
}

// Structs returns the declared struct types in declaration order.
func (m *Module) Structs() []*StructType { return m.structs }

// Enums returns the declared enum types in declaration order.
func (m *Module) Enums() []*EnumType { return m.enums }

// LookupStruct returns the declared struct with the given name, or nil.
func (m *Module) LookupStruct(name string) *StructType {
	for _, s := range m.structs {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// LookupEnum returns the declared enum with the given name, or nil.
func (m *Module) LookupEnum(name string) *EnumType {
	for _, e := range m.enums {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// UniqueFuncName returns base if unused, else base with a numeric suffix.
func (m *Module) UniqueFuncName(base string) string {
	if _, used := m.byName[base]; !used {
		return base
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s_%d", base, i)
		if _, used := m.byName[name]; !used {
			return name
		}
	}
}
