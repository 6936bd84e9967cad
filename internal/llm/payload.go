package llm

import (
	"encoding/json"
	"fmt"
)

// InsertionFallback is sent as both prompt and suffix when an insertion
// request arrives without a usable [prompt, suffix] pair.
const InsertionFallback = "Print out that input text is wrong"

// Turn is a single chat message, either read from the history cache or sent upstream.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PayloadInput carries the per-call inputs. Each mode reads only its own fields:
//   - insertion: Parts
//   - edition: Text, Instruction
//   - completion: Text
//   - chat_completion: SystemRole, History
type PayloadInput struct {
	Text        string
	Instruction string
	SystemRole  string
	Parts       []string
	History     []Turn
}

type insertionPayload struct {
	Model            string  `json:"model"`
	Prompt           string  `json:"prompt"`
	Suffix           string  `json:"suffix"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
}

type editionPayload struct {
	Model       string  `json:"model"`
	Input       string  `json:"input"`
	Instruction string  `json:"instruction"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type completionPayload struct {
	Prompt           string  `json:"prompt"`
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
}

type chatCompletionPayload struct {
	Messages    []Turn  `json:"messages"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	TopP        float64 `json:"top_p"`
	Stream      bool    `json:"stream"`
}

// BuildPayload serializes the request body for mode. Sampling parameters are
// copied from the configuration as-is.
func (c *Client) BuildPayload(mode Mode, in PayloadInput) (string, error) {
	return BuildPayload(c.config, mode, in)
}

// BuildPayload is the configuration-only form of Client.BuildPayload.
func BuildPayload(cfg Config, mode Mode, in PayloadInput) (string, error) {
	var payload any

	switch mode {
	case ModeInsertion:
		prompt, suffix := InsertionFallback, InsertionFallback
		if len(in.Parts) >= 2 {
			prompt, suffix = in.Parts[0], in.Parts[1]
		}
		payload = insertionPayload{
			Model:            cfg.Model,
			Prompt:           prompt,
			Suffix:           suffix,
			Temperature:      cfg.Temperature,
			MaxTokens:        cfg.MaxTokens,
			TopP:             cfg.TopP,
			FrequencyPenalty: cfg.FrequencyPenalty,
			PresencePenalty:  cfg.PresencePenalty,
		}
	case ModeEdition:
		payload = editionPayload{
			Model:       cfg.EditModel,
			Input:       in.Text,
			Instruction: in.Instruction,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
		}
	case ModeCompletion:
		payload = completionPayload{
			Prompt:           in.Text,
			Model:            cfg.Model,
			Temperature:      cfg.Temperature,
			MaxTokens:        cfg.MaxTokens,
			TopP:             cfg.TopP,
			FrequencyPenalty: cfg.FrequencyPenalty,
			PresencePenalty:  cfg.PresencePenalty,
		}
	case ModeChatCompletion:
		messages := make([]Turn, 0, len(in.History)+1)
		messages = append(messages, Turn{Role: "system", Content: in.SystemRole})
		messages = append(messages, in.History...)
		payload = chatCompletionPayload{
			Messages:    messages,
			Model:       cfg.ChatModel,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			TopP:        cfg.TopP,
			Stream:      true,
		}
	default:
		return "", &InvalidModeError{Mode: string(mode)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", mode, err)
	}
	return string(body), nil
}
