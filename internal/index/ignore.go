package index

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ignoreRule is one compiled gitignore-style pattern.
type ignoreRule struct {
	re       *regexp.Regexp
	negate   bool
	dirOnly  bool
	anchored bool
	base     string // directory the rule was declared in, "" for the root
}

// ignoreSet matches slash-separated paths relative to the indexed root
// against gitignore-style rules. Later rules override earlier ones, so a
// negated pattern can re-include a path. Not safe for concurrent mutation.
type ignoreSet struct {
	rules []ignoreRule
}

// add compiles pattern. Blank lines and comments are ignored.
func (s *ignoreSet) add(pattern, base string) {
	pattern = strings.TrimRight(pattern, " \t\r")
	if pattern == "" || strings.HasPrefix(pattern, "#") {
		return
	}

	r := ignoreRule{base: base}
	switch {
	case strings.HasPrefix(pattern, `\#`), strings.HasPrefix(pattern, `\!`):
		pattern = pattern[1:]
	case strings.HasPrefix(pattern, "!"):
		r.negate = true
		pattern = pattern[1:]
	}
	// "dir/**" excludes what "dir/" excludes, and lets the walk prune dir.
	if strings.HasSuffix(pattern, "/**") {
		pattern = strings.TrimSuffix(pattern, "**")
	}
	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}
	// Any inner slash ties the pattern to the declaring directory. A leading
	// "**/" still floats because it compiles to an optional prefix.
	if strings.Contains(pattern, "/") {
		r.anchored = true
		pattern = strings.TrimPrefix(pattern, "/")
	}
	if pattern == "" {
		return
	}

	r.re = regexp.MustCompile("^" + globToRegexp(pattern) + "$")
	s.rules = append(s.rules, r)
}

// addFile reads a .gitignore whose rules apply below base.
func (s *ignoreSet) addFile(path, base string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open ignore file: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		s.add(sc.Text(), base)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read ignore file %s: %w", path, err)
	}
	return nil
}

// ignored reports whether rel is excluded.
func (s *ignoreSet) ignored(rel string, isDir bool) bool {
	out := false
	for _, r := range s.rules {
		if r.matches(rel, isDir) {
			out = !r.negate
		}
	}
	return out
}

func (r ignoreRule) matches(rel string, isDir bool) bool {
	if r.base != "" {
		if !strings.HasPrefix(rel, r.base+"/") {
			return false
		}
		rel = strings.TrimPrefix(rel, r.base+"/")
	}
	parts := strings.Split(rel, "/")

	if r.anchored {
		if r.re.MatchString(rel) {
			return !r.dirOnly || isDir
		}
		// a matched directory excludes everything under it
		for i := 1; i < len(parts); i++ {
			if r.re.MatchString(strings.Join(parts[:i], "/")) {
				return true
			}
		}
		return false
	}

	for i, part := range parts {
		if !r.re.MatchString(part) {
			continue
		}
		last := i == len(parts)-1
		if r.dirOnly && last {
			return isDir
		}
		return true
	}
	return false
}

// globToRegexp translates gitignore glob syntax. "*" and "?" stop at "/",
// "**/" spans any number of directories and a trailing "/**" anything below.
func globToRegexp(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				atStart := i == 0 || glob[i-1] == '/'
				switch {
				case atStart && i+2 < len(glob) && glob[i+2] == '/':
					b.WriteString("(?:.*/)?")
					i += 2
					continue
				case atStart && i+2 == len(glob):
					b.WriteString(".*")
					i++
					continue
				}
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := glob[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end + 1
		case '\\':
			if i+1 < len(glob) {
				i++
				b.WriteString(regexp.QuoteMeta(string(glob[i])))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}
