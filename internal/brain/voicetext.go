package brain

import (
	"regexp"
	"strings"
)

// Responses are spoken aloud, so markdown structure and emoji must go.

var (
	codeBlockRe  = regexp.MustCompile("```[\\s\\S]*?```")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")
	boldRe       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe     = regexp.MustCompile(`\*([^*]+)\*`)
	underBoldRe  = regexp.MustCompile(`__([^_]+)__`)
	underItalRe  = regexp.MustCompile(`_([^_]+)_`)
	headerRe     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	bulletRe     = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	numberedRe   = regexp.MustCompile(`(?m)^\s*\d+\.\s+`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	imageRe      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	hruleRe      = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
	blockquoteRe = regexp.MustCompile(`(?m)^\s*>\s+`)
	emojiRe      = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F1E0}-\x{1F1FF}\x{2702}-\x{27B0}\x{1F900}-\x{1F9FF}]+`)
	newlinesRe   = regexp.MustCompile(`\n+`)
)

// StripMarkdown flattens markdown-formatted text into plain speakable prose.
func StripMarkdown(text string) string {
	text = codeBlockRe.ReplaceAllString(text, "")
	text = imageRe.ReplaceAllString(text, "")
	text = inlineCodeRe.ReplaceAllString(text, "$1")
	text = boldRe.ReplaceAllString(text, "$1")
	text = italicRe.ReplaceAllString(text, "$1")
	text = underBoldRe.ReplaceAllString(text, "$1")
	text = underItalRe.ReplaceAllString(text, "$1")
	text = headerRe.ReplaceAllString(text, "")
	text = hruleRe.ReplaceAllString(text, "")
	text = bulletRe.ReplaceAllString(text, "")
	text = numberedRe.ReplaceAllString(text, "")
	text = linkRe.ReplaceAllString(text, "$1")
	text = blockquoteRe.ReplaceAllString(text, "")
	text = emojiRe.ReplaceAllString(text, "")
	text = newlinesRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
