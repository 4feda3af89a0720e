package index

import (
	"strings"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/ragchat/util"
)

// splitParagraphs splits txt after each occurrence of delimiter.
// The delimiter stays with the text before it.
func splitParagraphs(txt, delimiter string) (paras []string) {
	for len(txt) > 0 {
		i := strings.Index(txt, delimiter)
		if i < 0 {
			paras = append(paras, txt)
			break
		}
		paras = append(paras, txt[:i+len(delimiter)])
		txt = txt[i+len(delimiter):]
	}
	return
}

// Split breaks txt into chunks of at most tokenLimit tokens.
// Paragraphs are packed together while they fit; a paragraph that is
// too big on its own is split by lines, then by words.
func Split(txt string, tokenLimit int) (chunks []string, err error) {
	defer Return(&err)
	Assert(tokenLimit > 0, "token limit must be positive")
	var cur strings.Builder
	curTokens := 0
	flush := func() {
		if strings.TrimSpace(cur.String()) != "" {
			chunks = append(chunks, strings.TrimSpace(cur.String()))
		}
		cur.Reset()
		curTokens = 0
	}
	var pieces []string
	for _, para := range splitParagraphs(txt, "\n\n") {
		var sub []string
		sub, err = fit(para, tokenLimit)
		Ck(err)
		pieces = append(pieces, sub...)
	}
	for _, piece := range pieces {
		var n int
		n, err = util.TokenCount(piece)
		Ck(err)
		if curTokens+n > tokenLimit {
			flush()
		}
		cur.WriteString(piece)
		curTokens += n
	}
	flush()
	return
}

// fit returns txt split into pieces that each fit in tokenLimit.
func fit(txt string, tokenLimit int) (pieces []string, err error) {
	defer Return(&err)
	n, err := util.TokenCount(txt)
	Ck(err)
	if n <= tokenLimit {
		return []string{txt}, nil
	}
	lines := splitParagraphs(txt, "\n")
	if len(lines) > 1 {
		for _, line := range lines {
			var sub []string
			sub, err = fit(line, tokenLimit)
			Ck(err)
			pieces = append(pieces, sub...)
		}
		return
	}
	// a single long line: fall back to words
	var cur []string
	curTokens := 0
	for _, word := range strings.SplitAfter(txt, " ") {
		var wn int
		wn, err = util.TokenCount(word)
		Ck(err)
		if curTokens+wn > tokenLimit && len(cur) > 0 {
			pieces = append(pieces, strings.Join(cur, ""))
			cur = nil
			curTokens = 0
		}
		cur = append(cur, word)
		curTokens += wn
	}
	if len(cur) > 0 {
		pieces = append(pieces, strings.Join(cur, ""))
	}
	return
}
