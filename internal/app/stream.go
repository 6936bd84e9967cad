package app

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"openai-completion/internal/llm"
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// readStream consumes a server-sent chat completion stream, writing every
// content delta to out as it arrives. It returns the assembled assistant turn.
func readStream(body io.Reader, out io.Writer) (llm.Turn, error) {
	turn := llm.Turn{Role: "assistant"}
	var content strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return turn, fmt.Errorf("app: decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Role != "" {
			turn.Role = delta.Role
		}
		if delta.Content == nil || *delta.Content == "" {
			continue
		}
		content.WriteString(*delta.Content)
		if _, err := io.WriteString(out, *delta.Content); err != nil {
			return turn, fmt.Errorf("app: write output: %w", err)
		}
	}
	turn.Content = content.String()

	if err := scanner.Err(); err != nil {
		return turn, fmt.Errorf("app: read stream: %w", err)
	}
	return turn, nil
}
