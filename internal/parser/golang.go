package parser

import (
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strings"

	"git.home.luguber.info/inful/repowiki/internal/chunk"
)

// GoParser chunks Go sources with the real AST: one chunk per top-level
// function, method and type declaration, carrying doc comments and the names
// of functions called in the body.
type GoParser struct{}

func (p *GoParser) Parse(path string, content []byte) ([]chunk.Chunk, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		// Broken source still deserves indexing; hand it to the fallback.
		return (&FallbackParser{}).Parse(path, content)
	}

	lines := strings.Split(string(content), "\n")
	var chunks []chunk.Chunk

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			c := newGoChunk(path, lines, fset, d.Pos(), d.End())
			c.Name = d.Name.Name
			c.NodeType = "function"
			if d.Recv != nil && len(d.Recv.List) > 0 {
				c.NodeType = "method"
				c.ParentName = recvTypeName(d.Recv.List[0].Type)
			}
			if d.Doc != nil {
				c.Docstring = strings.TrimSpace(d.Doc.Text())
			}
			c.Calls = calledNames(d.Body)
			chunks = append(chunks, c)
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				c := newGoChunk(path, lines, fset, d.Pos(), d.End())
				c.Name = ts.Name.Name
				c.NodeType = "type"
				if d.Doc != nil {
					c.Docstring = strings.TrimSpace(d.Doc.Text())
				} else if ts.Doc != nil {
					c.Docstring = strings.TrimSpace(ts.Doc.Text())
				}
				if st, ok := ts.Type.(*ast.StructType); ok {
					c.Fields = structFields(st)
				}
				chunks = append(chunks, c)
			}
		}
	}
	if len(chunks) == 0 {
		return (&FallbackParser{}).Parse(path, content)
	}
	return chunks, nil
}

func newGoChunk(path string, lines []string, fset *token.FileSet, pos, end token.Pos) chunk.Chunk {
	start := fset.Position(pos).Line
	stop := fset.Position(end).Line
	if stop > len(lines) {
		stop = len(lines)
	}
	c := chunk.New()
	c.FilePath = path
	c.Language = "go"
	c.StartLine = start
	c.EndLine = stop
	c.Content = strings.Join(lines[start-1:stop], "\n")
	return c
}

func recvTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return recvTypeName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return recvTypeName(t.X)
	case *ast.IndexListExpr:
		return recvTypeName(t.X)
	}
	return ""
}

func calledNames(body *ast.BlockStmt) []string {
	if body == nil {
		return nil
	}
	seen := map[string]bool{}
	ast.Inspect(body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch fn := call.Fun.(type) {
		case *ast.Ident:
			seen[fn.Name] = true
		case *ast.SelectorExpr:
			seen[fn.Sel.Name] = true
		}
		return true
	})
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func structFields(st *ast.StructType) map[string]string {
	if st.Fields == nil || len(st.Fields.List) == 0 {
		return nil
	}
	out := map[string]string{}
	for _, field := range st.Fields.List {
		typ := typeString(field.Type)
		for _, name := range field.Names {
			out[name.Name] = typ
		}
		if len(field.Names) == 0 { // embedded
			out[typ] = typ
		}
	}
	return out
}

func typeString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + typeString(t.X)
	case *ast.SelectorExpr:
		return typeString(t.X) + "." + t.Sel.Name
	case *ast.ArrayType:
		return "[]" + typeString(t.Elt)
	case *ast.MapType:
		return "map[" + typeString(t.Key) + "]" + typeString(t.Value)
	case *ast.ChanType:
		return "chan " + typeString(t.Value)
	case *ast.InterfaceType:
		return "interface"
	case *ast.FuncType:
		return "func"
	default:
		return "any"
	}
}
