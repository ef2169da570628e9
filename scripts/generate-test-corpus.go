//go:build ignore

// Generates a synthetic multi-language project for indexing benchmarks.
// Usage: go run scripts/generate-test-corpus.go -files 1000 -broken 2 -output testdata/corpus
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
)

var (
	numFiles  = flag.Int("files", 1000, "Number of files to generate")
	brokenPct = flag.Int("broken", 0, "Percent of source files with a syntax error")
	outputDir = flag.String("output", "testdata/corpus", "Output directory")
	seed      = flag.Uint64("seed", 42, "Random seed")
)

// language is one generated file kind; share is its percentage of files.
type language struct {
	dir    string
	ext    string
	share  int
	render func(r *rand.Rand, name string) string
	broken string
}

var languages = []language{
	{dir: "go", ext: ".go", share: 35, render: renderGo, broken: "func (\n"},
	{dir: "python", ext: ".py", share: 25, render: renderPython, broken: "def broken(:\n"},
	{dir: "web", ext: ".ts", share: 15, render: renderTS, broken: "export function (\n"},
	{dir: "web", ext: ".js", share: 10, render: renderJS, broken: "function {\n"},
	{dir: "deploy", ext: ".yaml", share: 10, render: renderYAML},
	{dir: "docs", ext: ".md", share: 5, render: renderMarkdown},
}

var (
	nouns = []string{
		"Handler", "Manager", "Service", "Processor", "Client",
		"Worker", "Parser", "Validator", "Cache", "Store",
		"Queue", "Router", "Scheduler", "Logger", "Session",
	}
	verbs = []string{
		"Process", "Handle", "Fetch", "Store", "Parse",
		"Validate", "Send", "Receive", "Refresh", "Flush",
	}
)

func main() {
	flag.Parse()
	r := rand.New(rand.NewPCG(*seed, *seed))

	written, broken := 0, 0
	for _, lang := range languages {
		n := *numFiles * lang.share / 100
		dir := filepath.Join(*outputDir, lang.dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create %s: %v\n", dir, err)
			os.Exit(1)
		}
		for i := range n {
			name := fmt.Sprintf("%s%s%d", pick(r, verbs), pick(r, nouns), i)
			body := lang.render(r, name)
			if lang.broken != "" && r.IntN(100) < *brokenPct {
				body += lang.broken
				broken++
			}
			path := filepath.Join(dir, strings.ToLower(name)+lang.ext)
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", path, err)
				continue
			}
			written++
		}
	}
	fmt.Printf("Generated %d files (%d broken) in %s\n", written, broken, *outputDir)
}

func pick(r *rand.Rand, pool []string) string {
	return pool[r.IntN(len(pool))]
}

func renderGo(r *rand.Rand, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "package %s\n\nimport \"context\"\n\n", strings.ToLower(pick(r, nouns)))
	fmt.Fprintf(&b, "// %s keeps state for one request.\ntype %s struct {\n\tid   string\n\tsize int\n}\n\n", name, name)
	fmt.Fprintf(&b, "const %sLimit = %d\n\n", name, r.IntN(1000))
	for range 1 + r.IntN(4) {
		verb := pick(r, verbs)
		fmt.Fprintf(&b, "func (s *%s) %s(ctx context.Context) error {\n\tif ctx.Err() != nil {\n\t\treturn ctx.Err()\n\t}\n\ts.size++\n\treturn nil\n}\n\n", name, verb)
	}
	fmt.Fprintf(&b, "func New%s(id string) *%s {\n\treturn &%s{id: id}\n}\n", name, name, name)
	return b.String()
}

func renderPython(r *rand.Rand, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "import logging\n\nlogger = logging.getLogger(__name__)\n\n\nclass %s:\n    \"\"\"%s for %s.\"\"\"\n\n", name, name, strings.ToLower(pick(r, nouns)))
	fmt.Fprintf(&b, "    def __init__(self, name):\n        self.name = name\n\n")
	for range 1 + r.IntN(4) {
		fmt.Fprintf(&b, "    def %s(self, data):\n        logger.debug(\"%s\")\n        return data\n\n", strings.ToLower(pick(r, verbs)), name)
	}
	fmt.Fprintf(&b, "\ndef make_%s(name):\n    return %s(name)\n", strings.ToLower(name), name)
	return b.String()
}

func renderTS(r *rand.Rand, name string) string {
	verb := pick(r, verbs)
	return fmt.Sprintf(`export interface %sOptions {
  id: string;
  retries: number;
}

export class %s {
  constructor(private readonly opts: %sOptions) {}

  async %s(): Promise<string> {
    return this.opts.id;
  }
}

export function create%s(id: string): %s {
  return new %s({ id, retries: %d });
}
`, name, name, name, strings.ToLower(verb), name, name, name, r.IntN(5))
}

func renderJS(r *rand.Rand, name string) string {
	method := strings.ToLower(pick(r, verbs))
	return fmt.Sprintf(`const DEFAULT_%s = %d;

class %s {
  %s(items) {
    return items.slice(0, DEFAULT_%s);
  }
}

function %s(items) {
  return new %s().%s(items);
}

module.exports = { %s };
`, strings.ToUpper(name), r.IntN(100), name, method, strings.ToUpper(name),
		strings.ToLower(name), name, method, strings.ToLower(name))
}

func renderYAML(r *rand.Rand, name string) string {
	return fmt.Sprintf(`defaults: &defaults
  replicas: %d
  image: registry.local/%s

%s:
  <<: *defaults
  port: %d
`, 1+r.IntN(4), strings.ToLower(name), strings.ToLower(name), 8000+r.IntN(1000))
}

func renderMarkdown(_ *rand.Rand, name string) string {
	return fmt.Sprintf("# %s\n\nNotes for %s. Not indexed: no plugin handles markdown.\n", name, name)
}
