package asm

import (
	"embed"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

//go:embed stdlib
var stdlibFS embed.FS

// stdlibPrefix is stripped from an embedded path before it is registered
// in the standard module table so "#import std/malloc" matches the file
// at stdlib/std/malloc.srd.
const stdlibPrefix = "stdlib/"

// IoError reports a filesystem failure while resolving an #import, with
// the path that could not be read.
type IoError struct {
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return "cannot read " + e.Path + ": " + e.Err.Error()
}

func (e *IoError) Unwrap() error { return e.Err }

// Preprocessor resolves #import directives, consulting an in-memory
// standard module table before the filesystem, and appends imported
// content after the importing module's own lines. This mirrors
// shardc/src/main.rs's preprocess_source/load_module_from_file.
type Preprocessor struct {
	standardModules map[string]string
	included        map[string]bool

	// Duplicates accumulates the names of #import directives seen a
	// second (or later) time, in the order encountered. The caller
	// (cmd/shardc) logs a warning for each; the preprocessor itself
	// only records them, since it has no logger of its own.
	Duplicates []string
}

// NewPreprocessor builds a preprocessor whose standard module table is
// populated from the embedded stdlib directory.
func NewPreprocessor() (*Preprocessor, error) {
	modules := make(map[string]string)
	err := fsWalkEmbedded(stdlibFS, "stdlib", func(path string, data []byte) {
		name := strings.TrimPrefix(path, stdlibPrefix)
		name = strings.TrimSuffix(name, filepath.Ext(name))
		modules[name] = string(data)
	})
	if err != nil {
		return nil, err
	}
	return &Preprocessor{
		standardModules: modules,
		included:        make(map[string]bool),
	}, nil
}

// WithStandardModules overrides the embedded table, e.g. with a directory
// supplied via the CLI's -I/--stdlib flag for testing.
func (p *Preprocessor) WithStandardModules(modules map[string]string) {
	p.standardModules = modules
}

// Preprocess expands module, a sequence of source lines, resolving every
// #import directive it (transitively) contains. dir is the directory
// #import targets are resolved relative to when they aren't found in the
// standard module table.
func (p *Preprocessor) Preprocess(module []string, dir string) ([]string, error) {
	var own []string
	var imported []string

	for lineNo, line := range module {
		trimmed := strings.TrimSpace(stripComment(line))
		fields := strings.Fields(trimmed)
		if len(fields) == 0 || fields[0] != "#import" {
			own = append(own, line)
			continue
		}
		if len(fields) < 2 {
			return nil, &ParseError{Line: lineNo + 1, Reason: "#import requires a module name"}
		}
		name := fields[1]

		if p.included[name] {
			p.Duplicates = append(p.Duplicates, name)
			continue
		}
		p.included[name] = true

		text, nextDir, err := p.resolveModule(name, dir)
		if err != nil {
			return nil, err
		}

		expanded, err := p.Preprocess(splitLines(text), nextDir)
		if err != nil {
			return nil, err
		}
		imported = append(imported, expanded...)
	}

	return append(own, imported...), nil
}

func (p *Preprocessor) resolveModule(name, dir string) (text string, nextDir string, err error) {
	if text, ok := p.standardModules[name]; ok {
		return text, "", nil
	}

	path := filepath.Join(dir, name)
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return "", "", errors.WithStack(&IoError{Path: path, Err: readErr})
	}
	return string(data), filepath.Dir(path), nil
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func fsWalkEmbedded(fsys embed.FS, root string, visit func(path string, data []byte)) error {
	entries, err := fsys.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		path := root + "/" + entry.Name()
		if entry.IsDir() {
			if err := fsWalkEmbedded(fsys, path, visit); err != nil {
				return err
			}
			continue
		}
		data, err := fsys.ReadFile(path)
		if err != nil {
			return err
		}
		visit(path, data)
	}
	return nil
}
