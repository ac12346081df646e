package jsengine

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"

	"github.com/michaelbrown/rlm/internal/repl"
)

// The snippet is parsed as the body of an async function so that
// top-level await is legal. The header occupies exactly one line; its empty
// statement ends any directive prologue, so a leading 'use strict' stays an
// ordinary expression both here and when the snippet runs.
const (
	analyzeHeader = "async function __snippet__() {;\n"
	analyzeFooter = "\n}"
)

// hoistPrefix renames top-level function declarations so that they do not
// shadow the global they publish.
const hoistPrefix = "__rlm_fn_"

// Analyze parses src and classifies it. Top-level declarations are
// rewritten into assignments so that they land in the global scope when
// the body runs inside a function.
//
// Rewrites only touch keyword and name spans, whose positions the parser
// reports exactly; expression text is never re-emitted from node bounds.
func Analyze(src string) (*repl.Snippet, error) {
	wrapped := analyzeHeader + src + analyzeFooter
	prg, err := parser.ParseFile(nil, snippetName, wrapped, 0)
	if err != nil {
		return nil, syntaxError(src, err, 1)
	}
	if len(prg.Body) != 1 {
		return nil, &repl.ExecutionError{Kind: repl.KindSyntax, Message: "unbalanced braces"}
	}
	fd, ok := prg.Body[0].(*ast.FunctionDeclaration)
	if !ok || fd.Function == nil || fd.Function.Body == nil || len(fd.Function.Body.List) == 0 {
		return nil, &repl.ExecutionError{Kind: repl.KindSyntax, Message: "unbalanced braces"}
	}

	base := 1
	if prg.File != nil {
		base = prg.File.Base()
	}
	a := &analysis{src: src, base: base + len(analyzeHeader)}
	// The first statement is the header's own empty statement.
	return a.classify(fd.Function.Body.List[1:])
}

type analysis struct {
	src  string
	base int
}

type edit struct {
	start, end int
	text       string
}

func (a *analysis) offset(idx file.Idx) int {
	off := int(idx) - a.base
	return min(max(off, 0), len(a.src))
}

// position converts an offset into a 1-based line and column.
func (a *analysis) position(off int) (line, col int) {
	before := a.src[:off]
	line = strings.Count(before, "\n") + 1
	col = off - strings.LastIndex(before, "\n")
	return line, col
}

// at reports whether text appears in the source at off.
func (a *analysis) at(off int, text string) bool {
	return strings.HasPrefix(a.src[off:], text)
}

func (a *analysis) classify(body []ast.Statement) (*repl.Snippet, error) {
	s := &repl.Snippet{Source: a.src, Statements: len(body)}
	if len(body) == 0 {
		return s, nil
	}

	for _, st := range body {
		var bad ast.Node
		walk(reflect.ValueOf(st), func(n ast.Node) bool {
			switch n.(type) {
			case *ast.FunctionLiteral, *ast.ArrowFunctionLiteral, *ast.ClassLiteral:
				return false
			case *ast.AwaitExpression:
				s.Mode = repl.ModeSuspending
			case *ast.ReturnStatement:
				if bad == nil {
					bad = n
				}
			}
			return true
		})
		if bad != nil {
			line, col := a.position(a.offset(bad.Idx0()))
			return nil, &repl.ExecutionError{Kind: repl.KindSyntax, Message: "return outside function", Line: line, Column: col}
		}
	}

	var (
		edits  []edit
		prefix strings.Builder
	)
	prefix.WriteString(";")
	for _, st := range body {
		switch st := st.(type) {
		case *ast.VariableStatement:
			edits = append(edits, a.declaration(a.offset(st.Var), "var", st.List, s)...)
		case *ast.LexicalDeclaration:
			kw := "let"
			if st.Token == token.CONST {
				kw = "const"
			}
			edits = append(edits, a.declaration(a.offset(st.Idx), kw, st.List, s)...)
		case *ast.FunctionDeclaration:
			fn := st.Function
			if fn == nil || fn.Name == nil {
				continue
			}
			name := fn.Name.Name.String()
			off := a.offset(fn.Name.Idx)
			if !a.at(off, name) {
				continue
			}
			// Declarations are hoisted within the wrapper, so the prefix can
			// publish them before any statement runs.
			edits = append(edits, edit{start: off, end: off + len(name), text: hoistPrefix + name})
			fmt.Fprintf(&prefix, "%s = %s%s;Object.defineProperty(%s, \"name\", {value: %s});",
				name, hoistPrefix, name, name, strconv.Quote(name))
			s.Declared = append(s.Declared, name)
		case *ast.ClassDeclaration:
			cl := st.Class
			if cl == nil || cl.Name == nil {
				continue
			}
			name := cl.Name.Name.String()
			start, end := a.offset(cl.Class), a.offset(cl.RightBrace)+1
			edits = append(edits,
				edit{start: start, end: start, text: ";" + name + " = "},
				edit{start: end, end: end, text: ";"})
			s.Declared = append(s.Declared, name)
		}
	}

	s.Final = repl.FinalStatement
	cut := len(a.src)
	if es, ok := body[len(body)-1].(*ast.ExpressionStatement); ok {
		if _, assign := es.Expression.(*ast.AssignExpression); !assign {
			cut = a.statementStart(a.offset(es.Idx0()))
		}
	}

	if cut < len(a.src) {
		s.Final = repl.FinalExpression
		s.Tail = strings.TrimRight(a.src[cut:], " \t\r\n;")
		s.Body = prefix.String() + applyEdits(a.src[:cut], edits)
		if _, err := parser.ParseFile(nil, snippetName, wrap(s), 0); err == nil {
			return s, nil
		}
		// The tail could not be separated cleanly; run everything as
		// statements and report no display value.
		s.Final, s.Tail = repl.FinalStatement, ""
	}

	s.Body = prefix.String() + applyEdits(a.src, edits)
	if _, err := parser.ParseFile(nil, snippetName, wrap(s), 0); err != nil {
		return nil, syntaxError(a.src, err, 0)
	}
	return s, nil
}

// statementStart walks back from an expression's reported start over
// whitespace, block comments and opening parentheses. A statement cannot
// end in "(", so anything skipped belongs to the expression.
func (a *analysis) statementStart(off int) int {
	for off > 0 {
		switch c := a.src[off-1]; {
		case c == '(' || c == ' ' || c == '\t' || c == '\r' || c == '\n':
			off--
		case c == '/' && off >= 2 && a.src[off-2] == '*':
			open := strings.LastIndex(a.src[:off-2], "/*")
			if open < 0 {
				return off
			}
			off = open
		default:
			return a.skipSpace(off)
		}
	}
	return a.skipSpace(off)
}

// skipSpace moves off past whitespace and comments so that the tail
// never starts with a comment that could split "return" from its value.
func (a *analysis) skipSpace(off int) int {
	for off < len(a.src) {
		rest := a.src[off:]
		switch {
		case strings.ContainsRune(" \t\r\n", rune(rest[0])):
			off++
		case strings.HasPrefix(rest, "/*"):
			end := strings.Index(rest[2:], "*/")
			if end < 0 {
				return off
			}
			off += end + 4
		case strings.HasPrefix(rest, "//"):
			end := strings.IndexByte(rest, '\n')
			if end < 0 {
				return len(a.src)
			}
			off += end + 1
		default:
			return off
		}
	}
	return off
}

// declaration rewrites a var/let/const statement into an expression
// statement by replacing only the keyword. Bindings without an initializer
// get one: undefined for let, the current global value for var.
func (a *analysis) declaration(off int, kw string, list []*ast.Binding, s *repl.Snippet) []edit {
	if !a.at(off, kw) {
		return nil
	}
	// ";0," keeps a leading object pattern out of block position.
	replacement := ";0," + strings.Repeat(" ", len(kw)-3)
	edits := []edit{{start: off, end: off + len(kw), text: replacement}}
	for _, bind := range list {
		id, ok := bind.Target.(*ast.Identifier)
		if !ok {
			continue
		}
		name := id.Name.String()
		s.Declared = append(s.Declared, name)
		if bind.Initializer != nil {
			continue
		}
		end := a.offset(id.Idx) + len(name)
		fill := " = undefined"
		if kw == "var" {
			fill = " = globalThis." + name
		}
		edits = append(edits, edit{start: end, end: end, text: fill})
	}
	return edits
}

func applyEdits(src string, edits []edit) string {
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].start < edits[j].start })
	var b strings.Builder
	pos := 0
	for _, e := range edits {
		if e.start < pos || e.end > len(src) {
			continue
		}
		b.WriteString(src[pos:e.start])
		b.WriteString(e.text)
		pos = e.end
	}
	b.WriteString(src[pos:])
	return b.String()
}

// walk visits every AST node reachable from v, depth first. Children are
// skipped when fn returns false.
func walk(v reflect.Value, fn func(ast.Node) bool) {
	switch v.Kind() {
	case reflect.Interface:
		if !v.IsNil() {
			walk(v.Elem(), fn)
		}
	case reflect.Pointer:
		if v.IsNil() {
			return
		}
		if n, ok := v.Interface().(ast.Node); ok && !fn(n) {
			return
		}
		walk(v.Elem(), fn)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).IsExported() {
				walk(v.Field(i), fn)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			walk(v.Index(i), fn)
		}
	}
}

// syntaxError maps a parser error back onto snippet coordinates.
// syntaxError maps a parser error onto the snippet. skip is the number of
// wrapper lines before the snippet's first line.
func syntaxError(src string, err error, skip int) error {
	ee := &repl.ExecutionError{Kind: repl.KindSyntax, Message: err.Error(), Err: err}

	var pos file.Position
	var list parser.ErrorList
	var single *parser.Error
	switch {
	case errors.As(err, &list) && len(list) > 0:
		pos, ee.Message = list[0].Position, list[0].Message
	case errors.As(err, &single):
		pos, ee.Message = single.Position, single.Message
	default:
		return ee
	}

	lines := strings.Count(src, "\n") + 1
	ee.Line = min(max(pos.Line-skip, 1), lines)
	ee.Column = pos.Column
	return ee
}
