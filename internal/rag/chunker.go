package rag

import "strings"

// SplitIntoChunks cuts text into windows of at most size characters that
// overlap by overlap characters. A window is shortened to end on a sentence
// or line break when one falls in its second half.
func SplitIntoChunks(text string, size, overlap int) []string {
	r := []rune(text)
	if size <= 0 || len(r) == 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	start := 0
	for start < len(r) {
		end := min(start+size, len(r))
		if end < len(r) {
			if bp := lastBreak(r[start:end]); bp > size/2 {
				end = start + bp + 1
			}
		}
		if chunk := strings.TrimSpace(string(r[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(r) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

func lastBreak(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i] == '.' || window[i] == '\n' {
			return i
		}
	}
	return -1
}
