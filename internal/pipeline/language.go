package pipeline

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

// detectLanguage returns the ISO 639-1 code most paragraphs of text are
// written in, or "" when nothing was recognised.
func detectLanguage(text string) string {
	paragraphs := strings.Split(text, "\n")
	counts := make(map[string]int)
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if len(p) < 20 {
			continue
		}
		lang := whatlanggo.DetectLang(p).Iso6391()
		if lang == "" {
			continue
		}
		counts[lang]++
	}
	if len(counts) == 0 {
		if lang := whatlanggo.DetectLang(text).Iso6391(); strings.TrimSpace(text) != "" {
			return lang
		}
		return ""
	}

	var top string
	var topCount int
	for lang, n := range counts {
		if n > topCount || (n == topCount && lang < top) {
			top = lang
			topCount = n
		}
	}
	return top
}
