package ir

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Print renders the module in its canonical textual form: type declarations
// first, then functions in declaration order. Parse reads the same form
// back. Output is deterministic for a given module, so it can be compared
// byte-for-byte.
func Print(m *Module) string {
	var sb strings.Builder
	for _, s := range m.Structs() {
		printStructDecl(&sb, s)
	}
	for _, e := range m.Enums() {
		printEnumDecl(&sb, e)
	}
	if (len(m.Structs()) > 0 || len(m.Enums()) > 0) && len(m.Funcs()) > 0 {
		sb.WriteString("\n")
	}
	for i, f := range m.Funcs() {
		if i > 0 {
			sb.WriteString("\n")
		}
		PrintFunc(&sb, f)
	}
	return sb.String()
}

func printStructDecl(sb *strings.Builder, s *StructType) {
	if s.Private {
		sb.WriteString("private ")
	}
	fmt.Fprintf(sb, "struct %s {", s.Name)
	for i, f := range s.Fields {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(" ")
		if f.NoDerivative {
			sb.WriteString("@noDerivative ")
		}
		fmt.Fprintf(sb, "%s: %s", f.Name, f.Type)
	}
	sb.WriteString(" }\n")
}

func printEnumDecl(sb *strings.Builder, e *EnumType) {
	if e.Private {
		sb.WriteString("private ")
	}
	fmt.Fprintf(sb, "enum %s {", e.Name)
	for i, c := range e.Cases {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(" case ")
		sb.WriteString(c.Name)
		if c.Payload != nil {
			if c.Boxed {
				fmt.Fprintf(sb, "(@box %s)", c.Payload)
			} else {
				fmt.Fprintf(sb, "(%s)", c.Payload)
			}
		}
	}
	sb.WriteString(" }\n")
}

// PrintFunc renders a single function.
func PrintFunc(sb *strings.Builder, f *Function) {
	if f.Visibility == Private {
		sb.WriteString("private ")
	}
	sb.WriteString("func ")
	if f.NoDerivative {
		sb.WriteString("[no_derivative] ")
	}
	fmt.Fprintf(sb, "@%s : %s", f.Name, f.Type)
	if len(f.Blocks()) == 0 {
		sb.WriteString("\n")
		return
	}
	sb.WriteString(" {\n")
	p := &printer{names: make(map[*Value]string)}
	for _, b := range f.Blocks() {
		p.printBlock(sb, b)
	}
	sb.WriteString("}\n")
}

type printer struct {
	names map[*Value]string
	next  int
}

func (p *printer) name(v *Value) string {
	if v == nil {
		return "<nil>"
	}
	if n, ok := p.names[v]; ok {
		return n
	}
	var n string
	if v.name != "" {
		n = "%" + v.name
	} else {
		n = fmt.Sprintf("%%%d", p.next)
	}
	p.next++
	p.names[v] = n
	return n
}

func (p *printer) names_(vals []*Value) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = p.name(v)
	}
	return strings.Join(parts, ", ")
}

func (p *printer) printBlock(sb *strings.Builder, b *Block) {
	fmt.Fprintf(sb, "bb%d(", int(b.id))
	for i, v := range b.params {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "%s : %s", p.name(v), v.Type())
	}
	sb.WriteString("):\n")
	for _, in := range b.instrs {
		sb.WriteString("  ")
		p.printInstr(sb, in)
		sb.WriteString("\n")
	}
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") && !strings.Contains(s, "Inf") && !strings.Contains(s, "NaN") {
		s += ".0"
	}
	return s
}

func (p *printer) printInstr(sb *strings.Builder, in Instr) {
	if r := in.Result(); r != nil {
		fmt.Fprintf(sb, "%s = ", p.name(r))
	}
	switch in := in.(type) {
	case *Const:
		switch in.Lit.Kind {
		case LitFloat:
			fmt.Fprintf(sb, "const %s : f64", formatFloat(in.Lit.F))
		case LitInt:
			fmt.Fprintf(sb, "const %d : i64", in.Lit.I)
		case LitBool:
			fmt.Fprintf(sb, "const %t : i1", in.Lit.B)
		}
	case *BinOp:
		fmt.Fprintf(sb, "%s %s, %s", in.Kind, p.name(in.X), p.name(in.Y))
	case *Neg:
		fmt.Fprintf(sb, "neg %s", p.name(in.X))
	case *FuncRef:
		fmt.Fprintf(sb, "func_ref @%s : %s", in.Fn.Name, in.Fn.Type)
	case *Call:
		fmt.Fprintf(sb, "call %s(%s)", p.name(in.Callee), p.names_(in.Args))
		if len(in.IndirectOuts) > 0 {
			fmt.Fprintf(sb, " outs(%s)", p.names_(in.IndirectOuts))
		}
	case *PartialApply:
		fmt.Fprintf(sb, "partial_apply %s(%s)", p.name(in.Callee), p.names_(in.Bound))
	case *Tuple:
		fmt.Fprintf(sb, "tuple (%s)", p.names_(in.Elems))
	case *TupleExtract:
		fmt.Fprintf(sb, "tuple_extract %s, %d", p.name(in.X), in.Index)
	case *StructNew:
		fmt.Fprintf(sb, "struct %s (%s)", in.Ty, p.names_(in.Fields))
	case *FieldExtract:
		fmt.Fprintf(sb, "struct_extract %s, %d", p.name(in.X), in.Field)
	case *FieldAddr:
		fmt.Fprintf(sb, "struct_element_addr %s, %d", p.name(in.X), in.Field)
	case *EnumNew:
		if in.Payload != nil {
			fmt.Fprintf(sb, "enum %s, %d, %s", in.Ty, in.Case, p.name(in.Payload))
		} else {
			fmt.Fprintf(sb, "enum %s, %d", in.Ty, in.Case)
		}
	case *Alloc:
		fmt.Fprintf(sb, "alloc %s", in.Elem)
	case *Dealloc:
		fmt.Fprintf(sb, "dealloc %s", p.name(in.Addr))
	case *Load:
		fmt.Fprintf(sb, "load %s", p.name(in.Addr))
	case *Store:
		fmt.Fprintf(sb, "store %s to %s", p.name(in.Val), p.name(in.Addr))
	case *CopyAddr:
		fmt.Fprintf(sb, "copy_addr %s to %s", p.name(in.Src), p.name(in.Dst))
	case *DiffFuncNew:
		fmt.Fprintf(sb, "differentiable_function [wrt %s result %d] %s",
			in.Config.Params, in.Config.Result, p.name(in.Original))
		if in.JVP != nil {
			fmt.Fprintf(sb, " jvp %s", p.name(in.JVP))
		}
		if in.VJP != nil {
			fmt.Fprintf(sb, " vjp %s", p.name(in.VJP))
		}
	case *DiffFuncExtract:
		fmt.Fprintf(sb, "differentiable_function_extract [%s] %s", in.Extract, p.name(in.X))
	case *Br:
		fmt.Fprintf(sb, "br bb%d(%s)", int(in.Dest), p.names_(in.Args))
	case *CondBr:
		fmt.Fprintf(sb, "cond_br %s, bb%d(%s), bb%d(%s)",
			p.name(in.Cond), int(in.Then), p.names_(in.ThenArgs), int(in.Else), p.names_(in.ElseArgs))
	case *SwitchEnum:
		fmt.Fprintf(sb, "switch_enum %s", p.name(in.X))
		cases := append([]SwitchCase(nil), in.Cases...)
		sort.Slice(cases, func(i, j int) bool { return cases[i].Case < cases[j].Case })
		for _, c := range cases {
			fmt.Fprintf(sb, ", case %d: bb%d", c.Case, int(c.Dest))
		}
	case *Return:
		if in.Val != nil {
			fmt.Fprintf(sb, "return %s", p.name(in.Val))
		} else {
			sb.WriteString("return")
		}
	case *Unreachable:
		sb.WriteString("unreachable")
	default:
		fmt.Fprintf(sb, "<unknown %T>", in)
	}
}
