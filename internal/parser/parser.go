// Package parser provides tree-sitter based function extraction for the
// languages the graph backend imports. It recovers full function bodies
// from source files when the backend only reports a signature line.
package parser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// ErrNoFunction is returned when no function definition covers a line.
var ErrNoFunction = errors.New("no function definition at line")

// FunctionDef represents a function or method definition found in source code.
type FunctionDef struct {
	Name      string
	StartLine int
	EndLine   int
	Body      string
}

// Contains reports whether line falls inside the definition.
func (d FunctionDef) Contains(line int) bool {
	return line >= d.StartLine && line <= d.EndLine
}

// langInfo holds the tree-sitter language and the node types that
// represent function definitions in it.
type langInfo struct {
	lang          *sitter.Language
	funcNodeTypes []string
}

var (
	cInfo   = langInfo{lang: c.GetLanguage(), funcNodeTypes: []string{"function_definition"}}
	cppInfo = langInfo{lang: cpp.GetLanguage(), funcNodeTypes: []string{"function_definition"}}
)

// registry maps file extensions to language info for auto-detection.
var registry = map[string]langInfo{
	".c":   cInfo,
	".h":   cInfo,
	".cc":  cppInfo,
	".cpp": cppInfo,
	".cxx": cppInfo,
	".hpp": cppInfo,
	".hh":  cppInfo,
	".go": {
		lang:          golang.GetLanguage(),
		funcNodeTypes: []string{"function_declaration", "method_declaration"},
	},
	".py": {
		lang:          python.GetLanguage(),
		funcNodeTypes: []string{"function_definition"},
	},
	".js": {
		lang:          javascript.GetLanguage(),
		funcNodeTypes: []string{"function_declaration", "method_definition"},
	},
	".ts": {
		lang:          typescript.GetLanguage(),
		funcNodeTypes: []string{"function_declaration", "method_definition"},
	},
	".java": {
		lang:          java.GetLanguage(),
		funcNodeTypes: []string{"method_declaration", "constructor_declaration"},
	},
}

// Supported reports whether the file's extension has a registered grammar.
func Supported(filename string) bool {
	_, ok := registry[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// Parser wraps tree-sitter to parse source files with automatic language
// detection. It is safe for concurrent use; parses are serialized.
type Parser struct {
	mu    sync.Mutex
	inner *sitter.Parser
}

// NewParser creates a new Parser instance.
func NewParser() *Parser {
	return &Parser{
		inner: sitter.NewParser(),
	}
}

// Parse parses source code from the given filename, auto-detecting the language
// from the file extension. Returns an error for unsupported extensions.
func (p *Parser) Parse(filename string, source []byte) (*Tree, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	info, ok := registry[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported file extension %q: language not in registry", ext)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.SetLanguage(info.lang)
	sitterTree, err := p.inner.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	return &Tree{
		tree:   sitterTree,
		source: source,
		info:   info,
	}, nil
}

// FunctionAt returns the source text of the innermost function definition
// covering line (1-based). A definition starting exactly on line wins over
// an enclosing one.
func (p *Parser) FunctionAt(path string, source []byte, line int) (string, error) {
	tree, err := p.Parse(path, source)
	if err != nil {
		return "", err
	}
	defer tree.Close()

	var best *FunctionDef
	for _, def := range tree.Functions() {
		if !def.Contains(line) {
			continue
		}
		if def.StartLine == line {
			d := def
			return d.Body, nil
		}
		if best == nil || def.StartLine >= best.StartLine {
			d := def
			best = &d
		}
	}
	if best == nil {
		return "", fmt.Errorf("%s:%d: %w", path, line, ErrNoFunction)
	}
	return best.Body, nil
}

// Tree wraps a parsed tree-sitter syntax tree.
type Tree struct {
	tree   *sitter.Tree
	source []byte
	info   langInfo
}

// RootNode returns the root node of the parsed syntax tree.
func (t *Tree) RootNode() *sitter.Node {
	return t.tree.RootNode()
}

// Close releases the underlying syntax tree.
func (t *Tree) Close() {
	t.tree.Close()
}

// Functions extracts all function and method definitions from the syntax
// tree in source order.
func (t *Tree) Functions() []FunctionDef {
	var funcs []FunctionDef
	funcTypes := make(map[string]bool, len(t.info.funcNodeTypes))
	for _, ft := range t.info.funcNodeTypes {
		funcTypes[ft] = true
	}

	walk(t.RootNode(), func(node *sitter.Node) {
		if !funcTypes[node.Type()] {
			return
		}
		name := extractFuncName(node, t.source)
		if name == "" {
			return
		}
		funcs = append(funcs, FunctionDef{
			Name:      name,
			StartLine: int(node.StartPoint().Row) + 1, // 0-indexed to 1-indexed
			EndLine:   int(node.EndPoint().Row) + 1,
			Body:      node.Content(t.source),
		})
	})

	return funcs
}

// walk performs a depth-first traversal of the syntax tree, calling fn for each node.
func walk(node *sitter.Node, fn func(*sitter.Node)) {
	if node == nil {
		return
	}
	fn(node)
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child != nil {
			walk(child, fn)
		}
	}
}

// extractFuncName finds the name identifier within a function/method node.
// C and C++ definitions nest the name under one or more declarators, e.g.
// pointer_declarator -> function_declarator -> identifier.
func extractFuncName(node *sitter.Node, source []byte) string {
	if nameNode := node.ChildByFieldName("name"); nameNode != nil {
		return nameNode.Content(source)
	}

	decl := node.ChildByFieldName("declarator")
	for decl != nil {
		switch decl.Type() {
		case "identifier", "field_identifier", "qualified_identifier", "destructor_name", "operator_name":
			return decl.Content(source)
		}
		decl = decl.ChildByFieldName("declarator")
	}
	return ""
}
