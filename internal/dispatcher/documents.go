package dispatcher

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Aman-CERP/codeindex/internal/index"
	"github.com/Aman-CERP/codeindex/internal/semantic"
)

// maxFileText caps the text embedded for the whole-file document.
const maxFileText = 4096

// Payload fields on symbol documents, besides path and language.
const (
	fieldSymbol = "symbol"
	fieldKind   = "kind"
	fieldLine   = "line"
	fieldText   = "snippet"
)

func pointID(path string, ordinal int) string {
	return fmt.Sprintf("%s#%d", path, ordinal)
}

// pointIDs returns ids for ordinals in [from, to).
func pointIDs(path string, from, to int) []string {
	ids := make([]string, 0, max(to-from, 0))
	for i := from; i < to; i++ {
		ids = append(ids, pointID(path, i))
	}
	return ids
}

func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return abs, nil
}

// documentsFor builds the semantic documents of an indexed file: ordinal 0
// is the file itself, then one per symbol in source order.
func documentsFor(res *index.FileResult) []semantic.Document {
	text := truncateText(string(res.Content), maxFileText)
	first, _, _ := strings.Cut(strings.TrimSpace(text), "\n")

	docs := make([]semantic.Document, 0, len(res.Symbols)+1)
	docs = append(docs, semantic.Document{
		ID:       pointID(res.Path, 0),
		Path:     res.Path,
		Language: res.Language,
		Text:     filepath.Base(res.Path) + "\n" + text,
		Payload:  map[string]string{fieldLine: "1", fieldText: first},
	})

	for i, s := range res.Symbols {
		var b strings.Builder
		b.WriteString(string(s.Kind))
		b.WriteByte(' ')
		b.WriteString(s.Name)
		if s.Signature != "" {
			b.WriteByte('\n')
			b.WriteString(s.Signature)
		}
		if s.Doc != "" {
			b.WriteByte('\n')
			b.WriteString(s.Doc)
		}
		snippet := s.Signature
		if snippet == "" {
			snippet = s.Name
		}
		docs = append(docs, semantic.Document{
			ID:       pointID(res.Path, i+1),
			Path:     res.Path,
			Language: res.Language,
			Text:     b.String(),
			Payload: map[string]string{
				fieldSymbol: s.Name,
				fieldKind:   string(s.Kind),
				fieldLine:   strconv.Itoa(s.StartLine),
				fieldText:   snippet,
			},
		})
	}
	return docs
}

// truncateText cuts s to at most n bytes without splitting a rune.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
