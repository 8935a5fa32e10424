package adapter

import "strings"

// ParseCommand turns a raw input string into an argument vector.
//
// Input with no recognizable flag marker is treated as one direct
// natural-language message to the tool. Otherwise it is tokenized on
// whitespace. The tokenizer is deliberately naive and has no quoting
// support, so flagged arguments containing spaces cannot be expressed;
// kept this way for compatibility with the tools' own invocation shape.
func ParseCommand(input string) []string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil
	}

	tokens := strings.Fields(trimmed)
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "-") {
			return tokens
		}
	}
	return []string{trimmed}
}
