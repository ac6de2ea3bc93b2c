package knowledge

import (
	"strings"
	"unicode"
)

// DefaultChunkSize is the target chunk length in runes.
const DefaultChunkSize = 800

// chunkText splits text into pieces of roughly chunkSize runes, cutting at
// the last whitespace inside each window so words stay whole. A window with
// no whitespace in its back half is cut hard at the size limit.
func chunkText(text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + chunkSize
		if end >= len(runes) {
			if piece := strings.TrimSpace(string(runes[start:])); piece != "" {
				chunks = append(chunks, piece)
			}
			break
		}
		cut := end
		for i := end; i > start+chunkSize/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		if piece := strings.TrimSpace(string(runes[start:cut])); piece != "" {
			chunks = append(chunks, piece)
		}
		start = cut
	}
	return chunks
}
