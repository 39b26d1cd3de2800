package filter

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	goeval "github.com/edisonguo/govaluate"
)

// fileVariables are the variables available to file filter expressions.
var fileVariables = map[string]struct{}{
	"path": {},
	"name": {},
	"ext":  {},
	"size": {},
	"type": {},
}

// FileFilter selects candidate files during a directory walk, e.g.
//
//	ext == '.tif' && size > 1024 && name =~ '^sst_'
type FileFilter struct {
	expr *goeval.EvaluableExpression
	text string
}

// CompileFileFilter parses a file filter expression. An empty pattern
// returns a nil filter which accepts everything.
func CompileFileFilter(pattern string) (*FileFilter, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}

	expr, err := goeval.NewEvaluableExpression(pattern)
	if err != nil {
		return nil, fmt.Errorf("parsing file filter: %w", err)
	}

	for _, token := range expr.Tokens() {
		if token.Kind != goeval.VARIABLE {
			continue
		}
		name, ok := token.Value.(string)
		if !ok {
			return nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
		}
		if _, found := fileVariables[name]; !found {
			return nil, fmt.Errorf("file filter variable %q is not supported, valid variables are path, name, ext, size, type", name)
		}
	}

	return &FileFilter{expr: expr, text: pattern}, nil
}

// String returns the source expression.
func (f *FileFilter) String() string {
	if f == nil {
		return ""
	}
	return f.text
}

// Match evaluates the filter for a file. type is "file" or "dir".
func (f *FileFilter) Match(path string, info fs.FileInfo) (bool, error) {
	if f == nil {
		return true, nil
	}

	kind := "file"
	if info.IsDir() {
		kind = "dir"
	}
	params := map[string]interface{}{
		"path": filepath.ToSlash(path),
		"name": info.Name(),
		"ext":  strings.ToLower(filepath.Ext(info.Name())),
		"size": float64(info.Size()),
		"type": kind,
	}

	result, err := f.expr.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("evaluating file filter for %s: %w", path, err)
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("file filter %q does not yield a boolean", f.text)
	}
	return ok, nil
}
