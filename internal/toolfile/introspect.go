package toolfile

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
)

// FunctionNames statically reads the exported callable names from a tool
// file by parsing its source and inspecting the package-level Functions
// table literal, without compiling or loading the file (SPEC_FULL.md §4.1:
// Go has no runtime introspection of a not-yet-built plugin, so the public
// FunctionRegistry is derived from the source text, the same way the source
// system's RpcCacheManager statically reads exported names at discovery
// time rather than at load time).
func FunctionNames(f File) ([]string, error) {
	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, f.Path, nil, parser.AllErrors)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.Path, err)
	}

	var names []string
	ast.Inspect(node, func(n ast.Node) bool {
		spec, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for i, ident := range spec.Names {
			if ident.Name != "Functions" || i >= len(spec.Values) {
				continue
			}
			composite, ok := spec.Values[i].(*ast.CompositeLit)
			if !ok {
				continue
			}
			for _, elt := range composite.Elts {
				kv, ok := elt.(*ast.KeyValueExpr)
				if !ok {
					continue
				}
				lit, ok := kv.Key.(*ast.BasicLit)
				if !ok || lit.Kind != token.STRING {
					continue
				}
				unquoted, err := strconv.Unquote(lit.Value)
				if err != nil {
					continue
				}
				names = append(names, unquoted)
			}
		}
		return true
	})

	return names, nil
}
