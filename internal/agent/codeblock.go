package agent

import "regexp"

var (
	tripleBlockRe = regexp.MustCompile("(?s)```(?:\\w+)?\n(.*?)\n```")
	singleBlockRe = regexp.MustCompile("(?s)`(?:\\w+)?\n(.*?)\n`")
)

// ExtractCodeBlocks pulls code blocks out of an analysis result: fenced
// blocks first, then multi-line single-backtick spans. Both pattern passes
// run over the whole text.
func ExtractCodeBlocks(text string) []string {
	var blocks []string
	for _, m := range tripleBlockRe.FindAllStringSubmatch(text, -1) {
		blocks = append(blocks, m[1])
	}
	for _, m := range singleBlockRe.FindAllStringSubmatch(text, -1) {
		blocks = append(blocks, m[1])
	}
	return blocks
}
