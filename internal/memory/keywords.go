package memory

import (
	"sort"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MaxKeywords caps automatically derived keywords per record.
const MaxKeywords = 12

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "any": true, "can": true,
	"had": true, "her": true, "was": true, "one": true, "our": true,
	"out": true, "has": true, "have": true, "this": true, "that": true,
	"with": true, "from": true, "they": true, "will": true, "would": true,
	"there": true, "their": true, "what": true, "about": true, "which": true,
	"when": true, "were": true, "been": true, "into": true, "than": true,
	"then": true, "them": true, "these": true, "some": true, "could": true,
	"should": true, "your": true, "just": true, "also": true, "does": true,
	"did": true, "how": true, "its": true, "who": true, "why": true,
	"where": true, "each": true, "only": true, "very": true, "more": true,
	"most": true, "other": true, "such": true, "over": true, "after": true,
	"before": true, "because": true, "while": true, "here": true, "like": true,
	"please": true,
}

var mdParser = goldmark.DefaultParser()

// ExtractKeywords returns up to limit salient terms from content, most
// frequent first. Content is parsed as Markdown; fenced and indented
// code blocks are skipped. Terms shorter than three characters, stop
// words, and pure numbers are dropped.
func ExtractKeywords(content string, limit int) []string {
	if limit <= 0 || strings.TrimSpace(content) == "" {
		return nil
	}

	src := []byte(content)
	doc := mdParser.Parse(text.NewReader(src))

	var prose strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindFencedCodeBlock, ast.KindCodeBlock, ast.KindHTMLBlock:
			return ast.WalkSkipChildren, nil
		case ast.KindText:
			prose.Write(n.(*ast.Text).Segment.Value(src))
			prose.WriteByte(' ')
		case ast.KindString:
			prose.Write(n.(*ast.String).Value)
			prose.WriteByte(' ')
		}
		return ast.WalkContinue, nil
	})

	return topTerms(prose.String(), limit)
}

func topTerms(s string, limit int) []string {
	counts := make(map[string]int)
	first := make(map[string]int)
	pos := 0
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), isSeparator) {
		tok = strings.Trim(tok, "._-")
		if len(tok) < 3 || stopWords[tok] || isNumeric(tok) {
			continue
		}
		if _, ok := first[tok]; !ok {
			first[tok] = pos
			pos++
		}
		counts[tok]++
	}

	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return first[terms[i]] < first[terms[j]]
	})
	if len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' && r != '-'
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' && r != '-' {
			return false
		}
	}
	return true
}
