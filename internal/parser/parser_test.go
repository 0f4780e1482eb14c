package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julianshen/cpghunter/internal/cpg"
)

var _ cpg.BodyExtractor = (*Parser)(nil)

const cSource = `#include <stdio.h>
#include <stdlib.h>

static char *read_command(void) {
    return getenv("CMD");
}

int run(const char *cmd) {
    if (cmd == NULL) {
        return -1;
    }
    return system(cmd);
}

int main(int argc, char **argv) {
    char *cmd = read_command();
    return run(cmd);
}
`

func TestParseCFile(t *testing.T) {
	p := NewParser()
	tree, err := p.Parse("main.c", []byte(cSource))
	require.NoError(t, err)
	defer tree.Close()
	assert.NotNil(t, tree.RootNode())
}

func TestParseUnknownExtension(t *testing.T) {
	p := NewParser()
	_, err := p.Parse("file.xyz", []byte(`some content`))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported"),
		"error should contain 'unsupported', got: %s", err.Error())
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("src/main.c"))
	assert.True(t, Supported("include/util.H"))
	assert.True(t, Supported("lib/engine.cpp"))
	assert.False(t, Supported("README.md"))
	assert.False(t, Supported("Makefile"))
}

func TestCFunctionsExtraction(t *testing.T) {
	p := NewParser()
	tree, err := p.Parse("main.c", []byte(cSource))
	require.NoError(t, err)
	defer tree.Close()

	funcs := tree.Functions()
	require.Len(t, funcs, 3)

	assert.Equal(t, "read_command", funcs[0].Name)
	assert.Equal(t, 4, funcs[0].StartLine)
	assert.Equal(t, 6, funcs[0].EndLine)

	assert.Equal(t, "run", funcs[1].Name)
	assert.Equal(t, 8, funcs[1].StartLine)
	assert.Equal(t, 13, funcs[1].EndLine)
	assert.Contains(t, funcs[1].Body, "return system(cmd);")

	assert.Equal(t, "main", funcs[2].Name)
}

func TestCppMethodExtraction(t *testing.T) {
	p := NewParser()
	source := []byte(`#include <string>

class Shell {
public:
    int exec(const std::string &cmd);
};

int Shell::exec(const std::string &cmd) {
    return system(cmd.c_str());
}
`)
	tree, err := p.Parse("shell.cpp", source)
	require.NoError(t, err)
	defer tree.Close()

	funcs := tree.Functions()
	require.Len(t, funcs, 1)
	assert.Equal(t, "Shell::exec", funcs[0].Name)
	assert.Equal(t, 8, funcs[0].StartLine)
}

func TestParseGoMethodDeclaration(t *testing.T) {
	p := NewParser()
	source := []byte(`package main

type Foo struct{}

func (f *Foo) Bar() {
}

func (f *Foo) Baz(x int) int {
	return x
}
`)
	tree, err := p.Parse("foo.go", source)
	require.NoError(t, err)
	defer tree.Close()

	funcs := tree.Functions()
	require.Len(t, funcs, 2)
	assert.Equal(t, "Bar", funcs[0].Name)
	assert.Equal(t, "Baz", funcs[1].Name)
}

func TestParsePythonFunctions(t *testing.T) {
	p := NewParser()
	source := []byte(`def greet(name):
    print(f"Hello, {name}")

def farewell():
    print("Goodbye")
`)
	tree, err := p.Parse("script.py", source)
	require.NoError(t, err)
	defer tree.Close()

	funcs := tree.Functions()
	require.Len(t, funcs, 2)
	assert.Equal(t, "greet", funcs[0].Name)
	assert.Equal(t, "farewell", funcs[1].Name)
}

func TestFunctionAt(t *testing.T) {
	p := NewParser()

	tests := []struct {
		name     string
		line     int
		contains string
		excludes string
	}{
		{name: "signature line", line: 8, contains: "int run(const char *cmd)", excludes: "getenv"},
		{name: "body line", line: 11, contains: "return system(cmd);", excludes: "read_command()"},
		{name: "pointer return", line: 4, contains: `getenv("CMD")`, excludes: "system"},
		{name: "last line", line: 18, contains: "return run(cmd);"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := p.FunctionAt("main.c", []byte(cSource), tt.line)
			require.NoError(t, err)
			assert.Contains(t, body, tt.contains)
			if tt.excludes != "" {
				assert.NotContains(t, body, tt.excludes)
			}
		})
	}
}

func TestFunctionAtOutsideFunctions(t *testing.T) {
	p := NewParser()
	_, err := p.FunctionAt("main.c", []byte(cSource), 1)
	require.ErrorIs(t, err, ErrNoFunction)
	assert.Contains(t, err.Error(), "main.c:1")
}

func TestFunctionAtUnsupportedFile(t *testing.T) {
	p := NewParser()
	_, err := p.FunctionAt("notes.txt", []byte("hello"), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoFunction)
}

func TestParserConcurrentUse(t *testing.T) {
	p := NewParser()
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := p.FunctionAt("main.c", []byte(cSource), 11)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
}
