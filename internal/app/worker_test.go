package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"openai-completion/internal/llm"
)

type memoryHistory struct {
	mu    sync.Mutex
	turns []llm.Turn
}

func (h *memoryHistory) ReadAll(ctx context.Context) ([]llm.Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Turn{}, h.turns...), nil
}

func (h *memoryHistory) Append(ctx context.Context, turns ...llm.Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, turns...)
	return nil
}

func (h *memoryHistory) DropFirst(ctx context.Context, n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > len(h.turns) {
		n = len(h.turns)
	}
	h.turns = h.turns[n:]
	return nil
}

func (h *memoryHistory) DropAll(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
	return nil
}

type capturedRequest struct {
	path string
	body map[string]any
}

type presented struct {
	title string
	err   error
}

func testConfig() llm.Config {
	cfg := llm.DefaultConfig()
	cfg.Token = "sk-test-token-0123456789"
	cfg.MinimumSelectionLength = 5
	cfg.AssistantRole = "You are a test assistant"
	return cfg
}

// newTestWorker serves each request with the next handler in order.
func newTestWorker(t *testing.T, cfg llm.Config, handlers ...http.HandlerFunc) (*Worker, *[]capturedRequest, *[]presented, *bytes.Buffer) {
	t.Helper()

	var mu sync.Mutex
	var requests []capturedRequest
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		idx := len(requests)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck
		requests = append(requests, capturedRequest{path: r.URL.Path, body: body})
		mu.Unlock()

		if idx >= len(handlers) {
			t.Errorf("unexpected request %d to %s", idx, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
			return
		}
		handlers[idx](w, r)
	}))
	t.Cleanup(ts.Close)

	var shown []presented
	presenter := llm.PresenterFunc(func(title string, err error) {
		shown = append(shown, presented{title: title, err: err})
	})
	client, err := llm.NewClient(cfg,
		llm.WithBaseURL(ts.URL),
		llm.WithHTTPClient(ts.Client()),
		llm.WithPresenter(presenter),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(client.Close)

	out := &bytes.Buffer{}
	w := &Worker{
		Client:    client,
		History:   &memoryHistory{},
		Output:    out,
		Presenter: presenter,
	}
	return w, &requests, &shown, out
}

func completionHandler(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"text":%q}]}`, text)
	}
}

func errorHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, body) //nolint:errcheck
	}
}

func streamHandler(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\n")
		for _, c := range chunks {
			fmt.Fprintf(w, `data: {"choices":[{"delta":{"content":%q}}]}`+"\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func TestRunEndpointPerMode(t *testing.T) {
	tests := []struct {
		name            string
		cmd             Command
		wantPath        string
		wantPlaceholder string
	}{
		{
			name:            "insertion",
			cmd:             Command{Mode: llm.ModeInsertion, Text: "func a() {[insert]}"},
			wantPath:        "/v1/completions",
			wantPlaceholder: "[insert]",
		},
		{
			name:     "edition",
			cmd:      Command{Mode: llm.ModeEdition, Text: "x := 1", Instruction: "rename x"},
			wantPath: "/v1/edits",
		},
		{
			name:     "completion",
			cmd:      Command{Mode: llm.ModeCompletion, Text: "// reverse a string"},
			wantPath: "/v1/completions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, requests, shown, _ := newTestWorker(t, testConfig(), completionHandler("  result\n"))

			res, err := w.Run(context.Background(), tt.cmd)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(*requests) != 1 || (*requests)[0].path != tt.wantPath {
				t.Fatalf("requests = %+v, want one to %s", *requests, tt.wantPath)
			}
			if res.Completion != "result" {
				t.Errorf("Completion = %q, want %q", res.Completion, "result")
			}
			if res.Placeholder != tt.wantPlaceholder {
				t.Errorf("Placeholder = %q, want %q", res.Placeholder, tt.wantPlaceholder)
			}
			if len(*shown) != 0 {
				t.Errorf("presented %v, want nothing", *shown)
			}
		})
	}
}

func TestRunInsertionSplitsOnPlaceholder(t *testing.T) {
	w, requests, _, _ := newTestWorker(t, testConfig(), completionHandler("middle"))

	_, err := w.Run(context.Background(), Command{Mode: llm.ModeInsertion, Text: "before[insert]after"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	body := (*requests)[0].body
	if body["prompt"] != "before" || body["suffix"] != "after" {
		t.Errorf("prompt/suffix = %v/%v, want before/after", body["prompt"], body["suffix"])
	}
}

func TestRunEditionDefaultInstruction(t *testing.T) {
	w, requests, _, _ := newTestWorker(t, testConfig(), completionHandler("done"))

	if _, err := w.Run(context.Background(), Command{Mode: llm.ModeEdition, Text: "x := 1"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := (*requests)[0].body["instruction"]; got != DefaultInstruction {
		t.Errorf("instruction = %v, want %q", got, DefaultInstruction)
	}
}

func TestRunValidation(t *testing.T) {
	short := testConfig()
	short.Token = "sk-1"

	tests := []struct {
		name    string
		cfg     llm.Config
		cmd     Command
		wantErr error
	}{
		{"missing token", short, Command{Mode: llm.ModeCompletion, Text: "long enough"}, ErrMissingToken},
		{"short selection", testConfig(), Command{Mode: llm.ModeCompletion, Text: "abc"}, ErrSelectionTooShort},
		{"no placeholder", testConfig(), Command{Mode: llm.ModeInsertion, Text: "no marker here"}, ErrPlaceholder},
		{"two placeholders", testConfig(), Command{Mode: llm.ModeInsertion, Text: "[insert] and [insert]"}, ErrPlaceholder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, requests, _, _ := newTestWorker(t, tt.cfg)
			_, err := w.Run(context.Background(), tt.cmd)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if len(*requests) != 0 {
				t.Errorf("sent %d requests, want none", len(*requests))
			}
		})
	}
}

func TestRunInvalidMode(t *testing.T) {
	w, requests, _, _ := newTestWorker(t, testConfig())

	_, err := w.Run(context.Background(), Command{Mode: "bogus", Text: "some selected text"})
	var modeErr *llm.InvalidModeError
	if !errors.As(err, &modeErr) {
		t.Fatalf("Run() error = %v, want *llm.InvalidModeError", err)
	}
	if len(*requests) != 0 {
		t.Errorf("sent %d requests, want none", len(*requests))
	}
}

func TestRunPresentedErrorReturnsEmpty(t *testing.T) {
	w, _, shown, _ := newTestWorker(t, testConfig(),
		errorHandler(http.StatusInternalServerError, `{"error":{"code":null,"type":"server_error","message":"boom"}}`))

	res, err := w.Run(context.Background(), Command{Mode: llm.ModeCompletion, Text: "some selected text"})
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if res != (Result{}) {
		t.Errorf("Run() = %+v, want empty result", res)
	}
	if len(*shown) != 1 || (*shown)[0].title != "server_error" {
		t.Errorf("presented %+v, want one server_error", *shown)
	}
}

func TestRunCompletionContextLength(t *testing.T) {
	w, _, shown, _ := newTestWorker(t, testConfig(),
		errorHandler(http.StatusBadRequest, `{"error":{"code":"context_length_exceeded","message":"too long"}}`))

	res, err := w.Run(context.Background(), Command{Mode: llm.ModeCompletion, Text: "some selected text"})
	if err != nil {
		t.Fatalf("Run() error = %v, want nil once presented", err)
	}
	if res != (Result{}) {
		t.Errorf("Run() = %+v, want empty result", res)
	}
	if len(*shown) != 1 || (*shown)[0].title != ErrorTitle {
		t.Fatalf("presented %+v, want one %q", *shown, ErrorTitle)
	}
	if ctxErr, ok := llm.IsContextLengthExceeded((*shown)[0].err); !ok || ctxErr.Message != "too long" {
		t.Errorf("presented error = %v, want context length exceeded", (*shown)[0].err)
	}
}

func TestRunSelectionLengthCountsCharacters(t *testing.T) {
	cfg := testConfig()
	cfg.MinimumSelectionLength = 4

	// three characters, nine bytes
	w, requests, _, _ := newTestWorker(t, cfg)
	if _, err := w.Run(context.Background(), Command{Mode: llm.ModeCompletion, Text: "日本語"}); !errors.Is(err, ErrSelectionTooShort) {
		t.Errorf("Run() error = %v, want %v", err, ErrSelectionTooShort)
	}
	if len(*requests) != 0 {
		t.Errorf("sent %d requests, want none", len(*requests))
	}

	w, requests, _, _ = newTestWorker(t, cfg, completionHandler("ok"))
	if _, err := w.Run(context.Background(), Command{Mode: llm.ModeCompletion, Text: "日本語です"}); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
	if len(*requests) != 1 {
		t.Errorf("sent %d requests, want 1", len(*requests))
	}
}

func TestRunChatStreamsAnswer(t *testing.T) {
	w, requests, _, out := newTestWorker(t, testConfig(), streamHandler("Hel", "lo"))
	hist := w.History.(*memoryHistory)
	hist.turns = []llm.Turn{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "reply"}}

	_, err := w.Run(context.Background(), Command{Mode: llm.ModeChatCompletion, Text: "code", Instruction: "explain"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	wantOut := "\n\n## Question\n\ncode\n\nexplain\n\n## Answer\n\nHello"
	if out.String() != wantOut {
		t.Errorf("output = %q, want %q", out.String(), wantOut)
	}

	req := (*requests)[0]
	if req.path != "/v1/chat/completions" {
		t.Errorf("path = %s, want /v1/chat/completions", req.path)
	}
	messages, _ := req.body["messages"].([]any)
	if len(messages) != 4 {
		t.Fatalf("messages = %v, want system + 3 turns", messages)
	}
	first := messages[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "You are a test assistant" {
		t.Errorf("first message = %v, want system role", first)
	}
	last := messages[3].(map[string]any)
	if last["content"] != "code\n\nexplain" {
		t.Errorf("last message = %v, want the new question", last)
	}

	want := []llm.Turn{
		{Role: "user", Content: "earlier"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "code\n\nexplain"},
		{Role: "assistant", Content: "Hello"},
	}
	if len(hist.turns) != len(want) {
		t.Fatalf("history = %+v, want %+v", hist.turns, want)
	}
	for i := range want {
		if hist.turns[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, hist.turns[i], want[i])
		}
	}
}

func TestRunChatBlankTextUsesInstruction(t *testing.T) {
	w, _, _, _ := newTestWorker(t, testConfig(), streamHandler("ok"))
	hist := w.History.(*memoryHistory)

	if _, err := w.Run(context.Background(), Command{Mode: llm.ModeChatCompletion, Text: "  \n", Instruction: "hi"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if hist.turns[0].Content != "hi" {
		t.Errorf("question = %q, want %q", hist.turns[0].Content, "hi")
	}
}

func TestRunChatContextLengthRetry(t *testing.T) {
	tooLong := errorHandler(http.StatusBadRequest, `{"error":{"code":"context_length_exceeded","message":"too long"}}`)
	w, requests, shown, _ := newTestWorker(t, testConfig(), tooLong, streamHandler("short"))
	hist := w.History.(*memoryHistory)
	hist.turns = []llm.Turn{{Role: "user", Content: "old q"}, {Role: "assistant", Content: "old a"}}

	var asked string
	w.Confirm = func(msg string) bool {
		asked = msg
		return true
	}

	if _, err := w.Run(context.Background(), Command{Mode: llm.ModeChatCompletion, Instruction: "new q"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasPrefix(asked, "Delete the two farthest pairs?") || !strings.HasSuffix(asked, "too long") {
		t.Errorf("confirm message = %q", asked)
	}
	if len(*requests) != 2 {
		t.Fatalf("sent %d requests, want 2", len(*requests))
	}
	retried, _ := (*requests)[1].body["messages"].([]any)
	if len(retried) != 2 {
		t.Errorf("retry messages = %v, want system + new question", retried)
	}
	if len(*shown) != 0 {
		t.Errorf("presented %+v, want nothing", *shown)
	}
	want := []llm.Turn{{Role: "user", Content: "new q"}, {Role: "assistant", Content: "short"}}
	if len(hist.turns) != 2 || hist.turns[0] != want[0] || hist.turns[1] != want[1] {
		t.Errorf("history = %+v, want %+v", hist.turns, want)
	}
}

func TestRunChatContextLengthDeclined(t *testing.T) {
	w, requests, shown, _ := newTestWorker(t, testConfig(),
		errorHandler(http.StatusBadRequest, `{"error":{"code":"context_length_exceeded","message":"too long"}}`))
	hist := w.History.(*memoryHistory)
	hist.turns = []llm.Turn{{Role: "user", Content: "old q"}, {Role: "assistant", Content: "old a"}}
	w.Confirm = func(string) bool { return false }

	if _, err := w.Run(context.Background(), Command{Mode: llm.ModeChatCompletion, Instruction: "q"}); err != nil {
		t.Fatalf("Run() error = %v, want nil once presented", err)
	}
	if len(*requests) != 1 {
		t.Errorf("sent %d requests, want 1", len(*requests))
	}
	if len(*shown) != 1 || (*shown)[0].title != ErrorTitle {
		t.Errorf("presented %+v, want one %q", *shown, ErrorTitle)
	}
	if len(hist.turns) != 3 {
		t.Errorf("history has %d turns, want 3 untouched", len(hist.turns))
	}
}

func TestRunChatContextLengthStopsWhenHistoryExhausted(t *testing.T) {
	tooLong := errorHandler(http.StatusBadRequest, `{"error":{"code":"context_length_exceeded","message":"too long"}}`)
	handlers := make([]http.HandlerFunc, 20)
	for i := range handlers {
		handlers[i] = tooLong
	}

	tests := []struct {
		name         string
		history      int
		wantRequests int
		wantAsked    int
	}{
		{name: "question only", history: 0, wantRequests: 1, wantAsked: 0},
		{name: "one pair", history: 2, wantRequests: 2, wantAsked: 1},
		{name: "five turns", history: 5, wantRequests: 3, wantAsked: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, requests, shown, _ := newTestWorker(t, testConfig(), handlers...)
			hist := w.History.(*memoryHistory)
			for i := 0; i < tt.history; i++ {
				hist.turns = append(hist.turns, llm.Turn{Role: "user", Content: fmt.Sprintf("turn %d", i)})
			}
			asked := 0
			w.Confirm = func(string) bool {
				asked++
				return true
			}

			if _, err := w.Run(context.Background(), Command{Mode: llm.ModeChatCompletion, Instruction: "q"}); err != nil {
				t.Fatalf("Run() error = %v, want nil once presented", err)
			}
			if len(*requests) != tt.wantRequests {
				t.Errorf("sent %d requests, want %d", len(*requests), tt.wantRequests)
			}
			if asked != tt.wantAsked {
				t.Errorf("confirm asked %d times, want %d", asked, tt.wantAsked)
			}
			if len(*shown) != 1 || (*shown)[0].title != ErrorTitle {
				t.Errorf("presented %+v, want one %q", *shown, ErrorTitle)
			}
			if len(hist.turns) == 0 {
				t.Error("history emptied, want the question kept")
			}
		})
	}
}

func TestResetHistory(t *testing.T) {
	w, _, _, _ := newTestWorker(t, testConfig())
	hist := w.History.(*memoryHistory)
	hist.turns = []llm.Turn{{Role: "user", Content: "q"}}

	if err := w.ResetHistory(context.Background()); err != nil {
		t.Fatalf("ResetHistory() error = %v", err)
	}
	if len(hist.turns) != 0 {
		t.Errorf("history = %+v, want empty", hist.turns)
	}

	w.History = nil
	if err := w.ResetHistory(context.Background()); !errors.Is(err, ErrNoHistory) {
		t.Errorf("ResetHistory() error = %v, want %v", err, ErrNoHistory)
	}
}

func TestReadStream(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		``,
		`: keep-alive`,
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data:{"choices":[{"delta":{"content":"b"}}]}`,
		`data: {"choices":[]}`,
		`data: [DONE]`,
		`data: {"choices":[{"delta":{"content":"ignored"}}]}`,
	}, "\n")

	var out bytes.Buffer
	turn, err := readStream(strings.NewReader(body), &out)
	if err != nil {
		t.Fatalf("readStream() error = %v", err)
	}
	if turn.Role != "assistant" || turn.Content != "ab" {
		t.Errorf("turn = %+v, want assistant/ab", turn)
	}
	if out.String() != "ab" {
		t.Errorf("output = %q, want %q", out.String(), "ab")
	}
}

func TestReadStreamMalformedChunk(t *testing.T) {
	_, err := readStream(strings.NewReader("data: {not json}\n"), io.Discard)
	if err == nil {
		t.Error("readStream() error = nil, want decode error")
	}
}
