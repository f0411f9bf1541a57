package ir

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Parse reads a module from its canonical textual form, the same form Print
// emits. The given oracle is attached to the builders used while parsing
// (bundle extraction needs it); pass nil if the input has no
// differentiable-function instructions.
func Parse(src string, oracle Oracle) (*Module, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, mod: NewModule(), oracle: oracle}
	if err := p.parseModule(); err != nil {
		return nil, err
	}
	return p.mod, nil
}

// MustParse is Parse that panics on error, for tests and fixtures.
func MustParse(src string, oracle Oracle) *Module {
	m, err := Parse(src, oracle)
	if err != nil {
		panic(err)
	}
	return m
}

type tokKind int

const (
	tokIdent tokKind = iota // bare identifier or keyword
	tokValue                // %name
	tokGlobal               // @name (also attribute markers)
	tokNominal              // $Name
	tokNumber               // integer or float literal, possibly signed
	tokPunct                // single punctuation or "->"
	tokEOF
)

type token struct {
	kind tokKind
	text string
	line int
}

func lex(src string) ([]token, error) {
	var toks []token
	line := 1
	i := 0
	n := len(src)
	isIdent := func(r byte) bool {
		return r == '_' || unicode.IsLetter(rune(r)) || unicode.IsDigit(rune(r))
	}
	for i < n {
		c := src[i]
		switch {
		case c == '\n':
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '/' && i+1 < n && src[i+1] == '/':
			for i < n && src[i] != '\n' {
				i++
			}
		case c == '%' || c == '@' || c == '$':
			j := i + 1
			// "$(" introduces a function type, keep the sigil alone.
			if c == '$' && j < n && src[j] == '(' {
				toks = append(toks, token{kind: tokPunct, text: "$(", line: line})
				i = j + 1
				continue
			}
			for j < n && isIdent(src[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("line %d: dangling %q", line, c)
			}
			kind := tokValue
			if c == '@' {
				kind = tokGlobal
			} else if c == '$' {
				kind = tokNominal
			}
			toks = append(toks, token{kind: kind, text: src[i+1 : j], line: line})
			i = j
		case c == '-' && i+1 < n && src[i+1] == '>':
			toks = append(toks, token{kind: tokPunct, text: "->", line: line})
			i += 2
		case c == '-' || unicode.IsDigit(rune(c)):
			j := i + 1
			for j < n && (unicode.IsDigit(rune(src[j])) || src[j] == '.' ||
				src[j] == 'e' || src[j] == 'E' ||
				((src[j] == '+' || src[j] == '-') && (src[j-1] == 'e' || src[j-1] == 'E'))) {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], line: line})
			i = j
		case isIdent(c):
			j := i
			for j < n && isIdent(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], line: line})
			i = j
		case strings.ContainsRune("(){}:,*[]=", rune(c)):
			toks = append(toks, token{kind: tokPunct, text: string(c), line: line})
			i++
		default:
			return nil, fmt.Errorf("line %d: unexpected character %q", line, c)
		}
	}
	toks = append(toks, token{kind: tokEOF, line: line})
	return toks, nil
}

type parser struct {
	toks   []token
	pos    int
	mod    *Module
	oracle Oracle
}

func (p *parser) peek() token  { return p.toks[p.pos] }
func (p *parser) next() token  { t := p.toks[p.pos]; p.pos++; return t }
func (p *parser) errf(format string, args ...any) error {
	return fmt.Errorf("line %d: %s", p.peek().line, fmt.Sprintf(format, args...))
}

func (p *parser) expectPunct(s string) error {
	t := p.next()
	if t.kind != tokPunct || t.text != s {
		return fmt.Errorf("line %d: expected %q, got %q", t.line, s, t.text)
	}
	return nil
}

func (p *parser) expectIdent(s string) error {
	t := p.next()
	if t.kind != tokIdent || t.text != s {
		return fmt.Errorf("line %d: expected %q, got %q", t.line, s, t.text)
	}
	return nil
}

func (p *parser) acceptPunct(s string) bool {
	if p.peek().kind == tokPunct && p.peek().text == s {
		p.pos++
		return true
	}
	return false
}

func (p *parser) acceptIdent(s string) bool {
	if p.peek().kind == tokIdent && p.peek().text == s {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseModule() error {
	// Declarations first, in order; function headers are all declared before
	// any body parses, so func_ref can reference functions textually later
	// in the module.
	type pendingBody struct {
		fn    *Function
		start int // token position at '{'
	}
	var bodies []pendingBody
	for p.peek().kind != tokEOF {
		private := p.acceptIdent("private")
		switch {
		case p.acceptIdent("struct"):
			if err := p.parseStructDecl(private); err != nil {
				return err
			}
		case p.acceptIdent("enum"):
			if err := p.parseEnumDecl(private); err != nil {
				return err
			}
		case p.acceptIdent("func"):
			fn, err := p.parseFuncHeader(private)
			if err != nil {
				return err
			}
			if p.peek().kind == tokPunct && p.peek().text == "{" {
				bodies = append(bodies, pendingBody{fn: fn, start: p.pos})
				if err := p.skipBody(); err != nil {
					return err
				}
			}
		default:
			return p.errf("expected declaration, got %q", p.peek().text)
		}
	}
	for _, b := range bodies {
		p.pos = b.start
		if err := p.parseFuncBody(b.fn); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) skipBody() error {
	if err := p.expectPunct("{"); err != nil {
		return err
	}
	depth := 1
	for depth > 0 {
		t := p.next()
		switch {
		case t.kind == tokEOF:
			return fmt.Errorf("unexpected end of input in function body")
		case t.kind == tokPunct && t.text == "{":
			depth++
		case t.kind == tokPunct && t.text == "}":
			depth--
		}
	}
	return nil
}

func (p *parser) parseStructDecl(private bool) error {
	name := p.next()
	if name.kind != tokIdent {
		return p.errf("expected struct name")
	}
	st := &StructType{Name: name.text, Private: private}
	if err := p.expectPunct("{"); err != nil {
		return err
	}
	for !p.acceptPunct("}") {
		if len(st.Fields) > 0 {
			if err := p.expectPunct(","); err != nil {
				return err
			}
		}
		noDeriv := false
		if p.peek().kind == tokGlobal && p.peek().text == "noDerivative" {
			p.pos++
			noDeriv = true
		}
		fname := p.next()
		if fname.kind != tokIdent {
			return p.errf("expected field name")
		}
		if err := p.expectPunct(":"); err != nil {
			return err
		}
		ft, err := p.parseType()
		if err != nil {
			return err
		}
		st.Fields = append(st.Fields, StructField{Name: fname.text, Type: ft, NoDerivative: noDeriv})
	}
	p.mod.DeclareStruct(st)
	return nil
}

func (p *parser) parseEnumDecl(private bool) error {
	name := p.next()
	if name.kind != tokIdent {
		return p.errf("expected enum name")
	}
	et := &EnumType{Name: name.text, Private: private}
	if err := p.expectPunct("{"); err != nil {
		return err
	}
	for !p.acceptPunct("}") {
		if len(et.Cases) > 0 {
			if err := p.expectPunct(","); err != nil {
				return err
			}
		}
		if err := p.expectIdent("case"); err != nil {
			return err
		}
		cname := p.next()
		if cname.kind != tokIdent {
			return p.errf("expected case name")
		}
		c := EnumCase{Name: cname.text}
		if p.acceptPunct("(") {
			if p.peek().kind == tokGlobal && p.peek().text == "box" {
				p.pos++
				c.Boxed = true
			}
			pt, err := p.parseType()
			if err != nil {
				return err
			}
			c.Payload = pt
			if err := p.expectPunct(")"); err != nil {
				return err
			}
		}
		et.Cases = append(et.Cases, c)
	}
	p.mod.DeclareEnum(et)
	return nil
}

func (p *parser) parseFuncHeader(private bool) (*Function, error) {
	noDeriv := false
	if p.acceptPunct("[") {
		if err := p.expectIdent("no_derivative"); err != nil {
			return nil, err
		}
		if err := p.expectPunct("]"); err != nil {
			return nil, err
		}
		noDeriv = true
	}
	name := p.next()
	if name.kind != tokGlobal {
		return nil, p.errf("expected function name")
	}
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	t, err := p.parseType()
	if err != nil {
		return nil, err
	}
	ft, ok := t.(*FunctionType)
	if !ok {
		return nil, p.errf("function %s declared with non-function type %s", name.text, t)
	}
	fn, err := p.mod.NewFunc(name.text, ft)
	if err != nil {
		return nil, err
	}
	if private {
		fn.Visibility = Private
	}
	fn.NoDerivative = noDeriv
	return fn, nil
}

func (p *parser) parseType() (Type, error) {
	t := p.peek()
	switch {
	case t.kind == tokIdent && t.text == "f64":
		p.pos++
		return Float, nil
	case t.kind == tokIdent && t.text == "i64":
		p.pos++
		return Int, nil
	case t.kind == tokIdent && t.text == "i1":
		p.pos++
		return Bool, nil
	case t.kind == tokPunct && t.text == "*":
		p.pos++
		elem, err := p.parseType()
		if err != nil {
			return nil, err
		}
		return AddressOf(elem), nil
	case t.kind == tokNominal:
		p.pos++
		if st := p.mod.LookupStruct(t.text); st != nil {
			return st, nil
		}
		if et := p.mod.LookupEnum(t.text); et != nil {
			return et, nil
		}
		return nil, fmt.Errorf("line %d: unknown nominal type $%s", t.line, t.text)
	case t.kind == tokPunct && t.text == "(":
		p.pos++
		var elems []Type
		for !p.acceptPunct(")") {
			if len(elems) > 0 {
				if err := p.expectPunct(","); err != nil {
					return nil, err
				}
			}
			e, err := p.parseType()
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
		}
		return TupleOf(elems...), nil
	case t.kind == tokPunct && t.text == "$(":
		return p.parseFunctionType()
	case t.kind == tokGlobal && t.text == "differentiable":
		p.pos++
		cfg, err := p.parseDiffAttr()
		if err != nil {
			return nil, err
		}
		inner, err := p.parseType()
		if err != nil {
			return nil, err
		}
		ft, ok := inner.(*FunctionType)
		if !ok {
			return nil, p.errf("@differentiable over non-function type %s", inner)
		}
		return &BundleType{Original: ft, Params: cfg.Params, Result: cfg.Result}, nil
	default:
		return nil, p.errf("expected type, got %q", t.text)
	}
}

func (p *parser) parseFunctionType() (*FunctionType, error) {
	if err := p.expectPunct("$("); err != nil {
		return nil, err
	}
	ft := &FunctionType{}
	for !p.acceptPunct(")") {
		if len(ft.Params) > 0 {
			if err := p.expectPunct(","); err != nil {
				return nil, err
			}
		}
		indirect := false
		if p.peek().kind == tokGlobal && p.peek().text == "in" {
			p.pos++
			indirect = true
		}
		pt, err := p.parseType()
		if err != nil {
			return nil, err
		}
		ft.Params = append(ft.Params, Param{Type: pt, Indirect: indirect})
	}
	if err := p.expectPunct("->"); err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	for !p.acceptPunct(")") {
		if len(ft.Results) > 0 {
			if err := p.expectPunct(","); err != nil {
				return nil, err
			}
		}
		indirect := false
		if p.peek().kind == tokGlobal && p.peek().text == "out" {
			p.pos++
			indirect = true
		}
		rt, err := p.parseType()
		if err != nil {
			return nil, err
		}
		ft.Results = append(ft.Results, Result{Type: rt, Indirect: indirect})
	}
	return ft, nil
}

// parseDiffAttr parses "[wrt {0,1} result 0]".
func (p *parser) parseDiffAttr() (DiffConfig, error) {
	var cfg DiffConfig
	if err := p.expectPunct("["); err != nil {
		return cfg, err
	}
	if err := p.expectIdent("wrt"); err != nil {
		return cfg, err
	}
	if err := p.expectPunct("{"); err != nil {
		return cfg, err
	}
	for !p.acceptPunct("}") {
		if !cfg.Params.IsEmpty() {
			if err := p.expectPunct(","); err != nil {
				return cfg, err
			}
		}
		i, err := p.parseInt()
		if err != nil {
			return cfg, err
		}
		cfg.Params = cfg.Params.With(i)
	}
	if err := p.expectIdent("result"); err != nil {
		return cfg, err
	}
	r, err := p.parseInt()
	if err != nil {
		return cfg, err
	}
	cfg.Result = r
	if err := p.expectPunct("]"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (p *parser) parseInt() (int, error) {
	t := p.next()
	if t.kind != tokNumber {
		return 0, fmt.Errorf("line %d: expected integer, got %q", t.line, t.text)
	}
	i, err := strconv.Atoi(t.text)
	if err != nil {
		return 0, fmt.Errorf("line %d: %w", t.line, err)
	}
	return i, nil
}

type bodyState struct {
	fn     *Function
	vals   map[string]*Value
	blocks map[int]*Block
}

func (p *parser) parseFuncBody(fn *Function) (err error) {
	// The builder panics on ill-typed emission; surface those as parse
	// errors since here the input is untrusted text.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("function @%s: %v", fn.Name, r)
		}
	}()

	if err := p.expectPunct("{"); err != nil {
		return err
	}

	// Blocks can forward-reference each other; scan the body once for
	// labels so every bbN exists before any terminator parses.
	st := &bodyState{fn: fn, vals: make(map[string]*Value), blocks: make(map[int]*Block)}
	depth, maxLabel := 1, -1
	for i := p.pos; depth > 0; i++ {
		t := p.toks[i]
		switch {
		case t.kind == tokEOF:
			return fmt.Errorf("unexpected end of input in function body")
		case t.kind == tokPunct && t.text == "{":
			depth++
		case t.kind == tokPunct && t.text == "}":
			depth--
		case t.kind == tokIdent && strings.HasPrefix(t.text, "bb") && depth == 1:
			if n, convErr := strconv.Atoi(t.text[2:]); convErr == nil && n > maxLabel &&
				p.toks[i+1].kind == tokPunct && p.toks[i+1].text == "(" {
				maxLabel = n
			}
		}
	}
	for i := 0; i <= maxLabel; i++ {
		st.blocks[i] = fn.NewBlock()
	}

	for !p.acceptPunct("}") {
		if err := p.parseBlock(st); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseBlock(st *bodyState) error {
	label := p.next()
	if label.kind != tokIdent || !strings.HasPrefix(label.text, "bb") {
		return p.errf("expected block label, got %q", label.text)
	}
	n, err := strconv.Atoi(label.text[2:])
	if err != nil {
		return p.errf("malformed block label %q", label.text)
	}
	blk := st.blocks[n]
	if err := p.expectPunct("("); err != nil {
		return err
	}
	for !p.acceptPunct(")") {
		if len(blk.Params()) > 0 {
			if err := p.expectPunct(","); err != nil {
				return err
			}
		}
		v := p.next()
		if v.kind != tokValue {
			return p.errf("expected block parameter, got %q", v.text)
		}
		if err := p.expectPunct(":"); err != nil {
			return err
		}
		t, err := p.parseType()
		if err != nil {
			return err
		}
		pv := blk.AddParam(t, "")
		st.vals[v.text] = pv
	}
	if err := p.expectPunct(":"); err != nil {
		return err
	}
	b := NewBuilder(blk)
	b.Oracle = p.oracle
	for {
		if p.peek().kind == tokPunct && p.peek().text == "}" {
			return nil
		}
		if p.peek().kind == tokIdent && strings.HasPrefix(p.peek().text, "bb") &&
			p.toks[p.pos+1].kind == tokPunct && p.toks[p.pos+1].text == "(" {
			return nil
		}
		if err := p.parseInstr(st, b); err != nil {
			return err
		}
		if blk.Terminator() != nil {
			return nil
		}
	}
}

func (p *parser) val(st *bodyState) (*Value, error) {
	t := p.next()
	if t.kind != tokValue {
		return nil, fmt.Errorf("line %d: expected value, got %q", t.line, t.text)
	}
	v, ok := st.vals[t.text]
	if !ok {
		return nil, fmt.Errorf("line %d: undefined value %%%s", t.line, t.text)
	}
	return v, nil
}

func (p *parser) valList(st *bodyState, open, close string) ([]*Value, error) {
	if err := p.expectPunct(open); err != nil {
		return nil, err
	}
	var out []*Value
	for !p.acceptPunct(close) {
		if len(out) > 0 {
			if err := p.expectPunct(","); err != nil {
				return nil, err
			}
		}
		v, err := p.val(st)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (p *parser) blockRef(st *bodyState) (BlockID, error) {
	t := p.next()
	if t.kind != tokIdent || !strings.HasPrefix(t.text, "bb") {
		return InvalidBlock, fmt.Errorf("line %d: expected block reference, got %q", t.line, t.text)
	}
	n, err := strconv.Atoi(t.text[2:])
	if err != nil {
		return InvalidBlock, fmt.Errorf("line %d: malformed block reference %q", t.line, t.text)
	}
	blk, ok := st.blocks[n]
	if !ok {
		return InvalidBlock, fmt.Errorf("line %d: unknown block bb%d", t.line, n)
	}
	return blk.ID(), nil
}

func (p *parser) parseInstr(st *bodyState, b *Builder) error {
	var resName string
	if p.peek().kind == tokValue {
		resName = p.next().text
		if err := p.expectPunct("="); err != nil {
			return err
		}
	}
	return p.parseInstrBody(st, b, resName)
}

func (p *parser) parseInstrBody(st *bodyState, b *Builder, resName string) error {
	op := p.next()
	if op.kind != tokIdent {
		return p.errf("expected instruction, got %q", op.text)
	}
	bind := func(v *Value) {
		if resName != "" && v != nil {
			st.vals[resName] = v
		}
	}
	switch op.text {
	case "const":
		t := p.next()
		var lit Literal
		switch {
		case t.kind == tokNumber:
			// Type annotation disambiguates float vs int.
			if err := p.expectPunct(":"); err != nil {
				return err
			}
			ty, err := p.parseType()
			if err != nil {
				return err
			}
			if ty == Float {
				f, err := strconv.ParseFloat(t.text, 64)
				if err != nil {
					return p.errf("malformed float literal %q", t.text)
				}
				lit = FloatLit(f)
			} else {
				i, err := strconv.ParseInt(t.text, 10, 64)
				if err != nil {
					return p.errf("malformed int literal %q", t.text)
				}
				lit = IntLit(i)
			}
		case t.kind == tokIdent && (t.text == "true" || t.text == "false"):
			if err := p.expectPunct(":"); err != nil {
				return err
			}
			if _, err := p.parseType(); err != nil {
				return err
			}
			lit = BoolLit(t.text == "true")
		default:
			return p.errf("malformed literal %q", t.text)
		}
		bind(b.Const(lit))
	case "add", "sub", "mul", "div":
		kinds := map[string]BinOpKind{"add": OpAdd, "sub": OpSub, "mul": OpMul, "div": OpDiv}
		x, err := p.val(st)
		if err != nil {
			return err
		}
		if err := p.expectPunct(","); err != nil {
			return err
		}
		y, err := p.val(st)
		if err != nil {
			return err
		}
		bind(b.BinOp(kinds[op.text], x, y))
	case "neg":
		x, err := p.val(st)
		if err != nil {
			return err
		}
		bind(b.Neg(x))
	case "func_ref":
		t := p.next()
		if t.kind != tokGlobal {
			return p.errf("expected function name")
		}
		fn := p.mod.Func(t.text)
		if fn == nil {
			return p.errf("unknown function @%s", t.text)
		}
		if err := p.expectPunct(":"); err != nil {
			return err
		}
		if _, err := p.parseType(); err != nil {
			return err
		}
		bind(b.FuncRef(fn))
	case "call":
		callee, err := p.val(st)
		if err != nil {
			return err
		}
		args, err := p.valList(st, "(", ")")
		if err != nil {
			return err
		}
		var outs []*Value
		if p.acceptIdent("outs") {
			outs, err = p.valList(st, "(", ")")
			if err != nil {
				return err
			}
		}
		bind(b.Call(callee, outs, args))
	case "partial_apply":
		callee, err := p.val(st)
		if err != nil {
			return err
		}
		bound, err := p.valList(st, "(", ")")
		if err != nil {
			return err
		}
		bind(b.PartialApply(callee, bound...))
	case "tuple":
		elems, err := p.valList(st, "(", ")")
		if err != nil {
			return err
		}
		bind(b.Tuple(elems...))
	case "tuple_extract":
		x, err := p.val(st)
		if err != nil {
			return err
		}
		if err := p.expectPunct(","); err != nil {
			return err
		}
		i, err := p.parseInt()
		if err != nil {
			return err
		}
		bind(b.TupleExtract(x, i))
	case "struct":
		t, err := p.parseType()
		if err != nil {
			return err
		}
		sty, ok := t.(*StructType)
		if !ok {
			return p.errf("struct of non-struct type %s", t)
		}
		fields, err := p.valList(st, "(", ")")
		if err != nil {
			return err
		}
		bind(b.StructNew(sty, fields...))
	case "struct_extract", "struct_element_addr":
		x, err := p.val(st)
		if err != nil {
			return err
		}
		if err := p.expectPunct(","); err != nil {
			return err
		}
		i, err := p.parseInt()
		if err != nil {
			return err
		}
		if op.text == "struct_extract" {
			bind(b.FieldExtract(x, i))
		} else {
			bind(b.FieldAddr(x, i))
		}
	case "enum":
		t, err := p.parseType()
		if err != nil {
			return err
		}
		ety, ok := t.(*EnumType)
		if !ok {
			return p.errf("enum of non-enum type %s", t)
		}
		if err := p.expectPunct(","); err != nil {
			return err
		}
		c, err := p.parseInt()
		if err != nil {
			return err
		}
		var payload *Value
		if p.acceptPunct(",") {
			payload, err = p.val(st)
			if err != nil {
				return err
			}
		}
		bind(b.EnumNew(ety, c, payload))
	case "alloc":
		t, err := p.parseType()
		if err != nil {
			return err
		}
		bind(b.Alloc(t))
	case "dealloc":
		x, err := p.val(st)
		if err != nil {
			return err
		}
		b.Dealloc(x)
	case "load":
		x, err := p.val(st)
		if err != nil {
			return err
		}
		bind(b.Load(x))
	case "store":
		v, err := p.val(st)
		if err != nil {
			return err
		}
		if err := p.expectIdent("to"); err != nil {
			return err
		}
		a, err := p.val(st)
		if err != nil {
			return err
		}
		b.Store(v, a)
	case "copy_addr":
		src, err := p.val(st)
		if err != nil {
			return err
		}
		if err := p.expectIdent("to"); err != nil {
			return err
		}
		dst, err := p.val(st)
		if err != nil {
			return err
		}
		b.CopyAddr(src, dst)
	case "differentiable_function":
		cfg, err := p.parseDiffAttr()
		if err != nil {
			return err
		}
		orig, err := p.val(st)
		if err != nil {
			return err
		}
		var jvp, vjp *Value
		if p.acceptIdent("jvp") {
			jvp, err = p.val(st)
			if err != nil {
				return err
			}
		}
		if p.acceptIdent("vjp") {
			vjp, err = p.val(st)
			if err != nil {
				return err
			}
		}
		bind(b.DiffFuncNew(cfg, orig, jvp, vjp))
	case "differentiable_function_extract":
		if err := p.expectPunct("["); err != nil {
			return err
		}
		which := p.next()
		var e Extractee
		switch which.text {
		case "original":
			e = ExtractOriginal
		case "jvp":
			e = ExtractJVP
		case "vjp":
			e = ExtractVJP
		default:
			return p.errf("unknown extractee %q", which.text)
		}
		if err := p.expectPunct("]"); err != nil {
			return err
		}
		x, err := p.val(st)
		if err != nil {
			return err
		}
		bind(b.DiffFuncExtract(x, e))
	case "br":
		dest, err := p.blockRef(st)
		if err != nil {
			return err
		}
		args, err := p.valList(st, "(", ")")
		if err != nil {
			return err
		}
		b.Br(dest, args...)
	case "cond_br":
		cond, err := p.val(st)
		if err != nil {
			return err
		}
		if err := p.expectPunct(","); err != nil {
			return err
		}
		then, err := p.blockRef(st)
		if err != nil {
			return err
		}
		thenArgs, err := p.valList(st, "(", ")")
		if err != nil {
			return err
		}
		if err := p.expectPunct(","); err != nil {
			return err
		}
		els, err := p.blockRef(st)
		if err != nil {
			return err
		}
		elseArgs, err := p.valList(st, "(", ")")
		if err != nil {
			return err
		}
		b.CondBr(cond, then, thenArgs, els, elseArgs)
	case "switch_enum":
		x, err := p.val(st)
		if err != nil {
			return err
		}
		var cases []SwitchCase
		for p.acceptPunct(",") {
			if err := p.expectIdent("case"); err != nil {
				return err
			}
			c, err := p.parseInt()
			if err != nil {
				return err
			}
			if err := p.expectPunct(":"); err != nil {
				return err
			}
			dest, err := p.blockRef(st)
			if err != nil {
				return err
			}
			cases = append(cases, SwitchCase{Case: c, Dest: dest})
		}
		b.SwitchEnum(x, cases)
	case "return":
		if p.peek().kind == tokValue {
			v, err := p.val(st)
			if err != nil {
				return err
			}
			b.Return(v)
		} else {
			b.Return(nil)
		}
	case "unreachable":
		b.Unreachable()
	default:
		return p.errf("unknown instruction %q", op.text)
	}
	return nil
}
