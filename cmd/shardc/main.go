// Command shardc assembles source files into binary VM images.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"shardvm/asm"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	app := &cli.App{
		Name:  "shardc",
		Usage: "assembler for the shard VM's bytecode language",
		Commands: []*cli.Command{
			{
				Name:      "build",
				Usage:     "assemble a source file into a binary image",
				ArgsUsage: "<source>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output image path (default: <source> with .bin extension)"},
					&cli.StringFlag{Name: "stdlib", Aliases: []string{"I"}, Usage: "override the embedded standard module table with a directory"},
				},
				Action: runBuild,
			},
			{
				Name:      "check",
				Usage:     "assemble a source file without writing an image, reporting errors",
				ArgsUsage: "<source>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "stdlib", Aliases: []string{"I"}, Usage: "override the embedded standard module table with a directory"},
				},
				Action: runCheck,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBuild(c *cli.Context) error {
	source := c.Args().First()
	if source == "" {
		return cli.Exit("missing <source> argument", 1)
	}

	image, duplicates, err := assembleFile(source, c.String("stdlib"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	logAssembleWarnings(source, image, duplicates)

	out := c.String("out")
	if out == "" {
		out = swapExt(source, ".bin")
	}
	if err := os.WriteFile(out, image, 0o644); err != nil {
		return cli.Exit(fmt.Sprintf("writing %s: %v", out, err), 1)
	}

	log.Info().Str("source", source).Str("out", out).Int("bytes", len(image)).Msg("assembled")
	return nil
}

func runCheck(c *cli.Context) error {
	source := c.Args().First()
	if source == "" {
		return cli.Exit("missing <source> argument", 1)
	}

	image, duplicates, err := assembleFile(source, c.String("stdlib"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	logAssembleWarnings(source, image, duplicates)

	log.Info().Str("source", source).Int("bytes", len(image)).Msg("ok")
	return nil
}

func assembleFile(path, stdlibDir string) (image []byte, duplicateImports []string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}

	pre, err := asm.NewPreprocessor()
	if err != nil {
		return nil, nil, fmt.Errorf("loading standard modules: %w", err)
	}
	if stdlibDir != "" {
		modules, err := loadStdlibDir(stdlibDir)
		if err != nil {
			return nil, nil, err
		}
		pre.WithStandardModules(modules)
	}

	lines := splitLines(string(data))
	expanded, err := pre.Preprocess(lines, filepath.Dir(path))
	if err != nil {
		return nil, nil, fmt.Errorf("preprocessing %s: %w", path, err)
	}

	image, err = asm.Assemble(expanded)
	if err != nil {
		return nil, nil, fmt.Errorf("assembling %s: %w", path, err)
	}
	return image, pre.Duplicates, nil
}

// logAssembleWarnings surfaces the two recoverable conditions
// assembleFile can detect but isn't positioned to log itself: a module
// imported more than once, and a source that assembled to no bytes at
// all (every line was blank, a comment, or an import that contributed
// nothing).
func logAssembleWarnings(source string, image []byte, duplicateImports []string) {
	for _, name := range duplicateImports {
		log.Warn().Str("source", source).Str("module", name).Msg("duplicate #import, already included")
	}
	if len(image) == 0 {
		log.Warn().Str("source", source).Msg("program assembled to an empty image")
	}
}

func loadStdlibDir(dir string) (map[string]string, error) {
	modules := make(map[string]string)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := rel[:len(rel)-len(filepath.Ext(rel))]
		modules[filepath.ToSlash(name)] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading stdlib directory %s: %w", dir, err)
	}
	return modules, nil
}

func splitLines(text string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			line := text[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}

func swapExt(path, ext string) string {
	trimmed := path[:len(path)-len(filepath.Ext(path))]
	return trimmed + ext
}
