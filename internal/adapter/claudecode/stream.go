package claudecode

import (
	"encoding/json"

	"github.com/usehatch/hatch/internal/adapter"
)

// streamMessage is one line of claude's stream-json output.
type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text,omitempty"`
			Name  string          `json:"name,omitempty"`
			Input json.RawMessage `json:"input,omitempty"`
		} `json:"content"`
		Model string `json:"model,omitempty"`
	} `json:"message,omitempty"`
	Result string `json:"result,omitempty"`
}

// parseStreamLine normalizes one stream-json line into an output chunk.
// Lines that fail to parse pass through as raw output so nothing the tool
// says is lost.
func parseStreamLine(kind adapter.ChunkKind, line string) adapter.OutputChunk {
	if kind != adapter.ChunkStdout {
		return adapter.OutputChunk{Kind: kind, Data: line}
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return adapter.OutputChunk{Kind: adapter.ChunkStdout, Data: line}
	}

	meta := map[string]string{"message_type": msg.Type}
	if msg.Subtype != "" {
		meta["subtype"] = msg.Subtype
	}

	switch msg.Type {
	case "system":
		return adapter.OutputChunk{Kind: adapter.ChunkSystem, Data: line, Metadata: meta}
	case "result":
		meta["result"] = msg.Result
		return adapter.OutputChunk{Kind: adapter.ChunkSystem, Data: line, Metadata: meta}
	case "assistant":
		// Surface plain text when the message carries exactly one text
		// block; tool_use and mixed content stay as the raw JSON line.
		if len(msg.Message.Content) == 1 && msg.Message.Content[0].Type == "text" {
			return adapter.OutputChunk{Kind: adapter.ChunkStdout, Data: msg.Message.Content[0].Text, Metadata: meta}
		}
		if len(msg.Message.Content) > 0 && msg.Message.Content[0].Type == "tool_use" {
			meta["tool"] = msg.Message.Content[0].Name
		}
		return adapter.OutputChunk{Kind: adapter.ChunkStdout, Data: line, Metadata: meta}
	default:
		return adapter.OutputChunk{Kind: adapter.ChunkStdout, Data: line, Metadata: meta}
	}
}
