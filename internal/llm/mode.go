package llm

// Mode selects which of the four upstream request shapes is built.
type Mode string

const (
	ModeInsertion      Mode = "insertion"
	ModeEdition        Mode = "edition"
	ModeCompletion     Mode = "completion"
	ModeChatCompletion Mode = "chat_completion"
)

// Upstream paths for each mode.
const (
	CompletionsPath     = "/v1/completions"
	EditsPath           = "/v1/edits"
	ChatCompletionsPath = "/v1/chat/completions"
)

// ParseMode converts an editor command argument into a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", &InvalidModeError{Mode: s}
	}
	return m, nil
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeInsertion, ModeEdition, ModeCompletion, ModeChatCompletion:
		return true
	}
	return false
}

// Path returns the upstream endpoint path the mode is posted to.
func (m Mode) Path() string {
	switch m {
	case ModeEdition:
		return EditsPath
	case ModeChatCompletion:
		return ChatCompletionsPath
	default:
		return CompletionsPath
	}
}

func (m Mode) String() string { return string(m) }
