// Package app runs editor commands against the upstream API: it validates the
// selection, builds and sends the request for the command's mode, and turns the
// response into a completion or a streamed chat answer.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"openai-completion/internal/auth"
	"openai-completion/internal/llm"
)

const (
	// DefaultInstruction is used by edition commands that carry none.
	DefaultInstruction = "Comment the given code line by line"
	// ErrorTitle is the presentation title for errors the worker surfaces itself.
	ErrorTitle = "OpenAI error"
	// trimPairs is how many of the oldest turns a context-length recovery removes.
	trimPairs = 2
)

var (
	ErrMissingToken      = auth.ErrMissingToken
	ErrSelectionTooShort = errors.New("the selected text is too short")
	ErrPlaceholder       = errors.New("the selection must contain exactly one placeholder")
	ErrNoHistory         = errors.New("chat history is not configured")
)

// History is the chat cache the worker reads from and appends to.
type History interface {
	ReadAll(ctx context.Context) ([]llm.Turn, error)
	Append(ctx context.Context, turns ...llm.Turn) error
	DropFirst(ctx context.Context, n int) error
	DropAll(ctx context.Context) error
}

// Command is one editor invocation.
type Command struct {
	Mode        llm.Mode
	Text        string
	Instruction string
}

// Result is what a non-chat command hands back to the editor.
type Result struct {
	Mode        llm.Mode
	Completion  string
	Placeholder string
}

// Worker executes commands. Confirm is asked before trimming chat history;
// a nil Confirm declines.
type Worker struct {
	Client    *llm.Client
	History   History
	Output    io.Writer
	Confirm   func(msg string) bool
	Presenter llm.Presenter
	Logger    *zap.Logger
}

func (w *Worker) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func (w *Worker) presenter() llm.Presenter {
	if w.Presenter == nil {
		return llm.LogPresenter{Logger: w.logger()}
	}
	return w.Presenter
}

func (w *Worker) output() io.Writer {
	if w.Output == nil {
		return io.Discard
	}
	return w.Output
}

// Run executes cmd. Upstream errors that were presented to the user, including
// an unrecovered context length overflow, yield an empty Result and a nil error.
func (w *Worker) Run(ctx context.Context, cmd Command) (Result, error) {
	cfg := w.Client.Config()

	if err := auth.ValidateToken(cfg.Token); err != nil {
		if errors.Is(err, auth.ErrMissingToken) {
			return Result{}, ErrMissingToken
		}
		return Result{}, err
	}
	if !cmd.Mode.Valid() {
		return Result{}, &llm.InvalidModeError{Mode: string(cmd.Mode)}
	}
	if n := utf8.RuneCountInString(cmd.Text); cmd.Mode != llm.ModeChatCompletion && n < cfg.MinimumSelectionLength {
		return Result{}, fmt.Errorf("%w: %d characters, at least %d required",
			ErrSelectionTooShort, n, cfg.MinimumSelectionLength)
	}

	log := w.logger().With(zap.String("mode", cmd.Mode.String()))
	log.Debug("running command", zap.Int("text_length", len(cmd.Text)))

	switch cmd.Mode {
	case llm.ModeInsertion:
		return w.runInsertion(ctx, cmd, cfg)
	case llm.ModeEdition:
		instruction := cmd.Instruction
		if strings.TrimSpace(instruction) == "" {
			instruction = DefaultInstruction
		}
		return w.runOrdinary(ctx, cmd.Mode, llm.PayloadInput{Text: cmd.Text, Instruction: instruction}, "")
	case llm.ModeCompletion:
		return w.runOrdinary(ctx, cmd.Mode, llm.PayloadInput{Text: cmd.Text}, "")
	default:
		if err := w.runChat(ctx, cmd, cfg); err != nil {
			return Result{}, err
		}
		return Result{Mode: cmd.Mode}, nil
	}
}

func (w *Worker) runInsertion(ctx context.Context, cmd Command, cfg llm.Config) (Result, error) {
	placeholder := cfg.Placeholder
	if placeholder == "" {
		placeholder = llm.DefaultConfig().Placeholder
	}
	parts := strings.Split(cmd.Text, placeholder)
	if len(parts) != 2 {
		return Result{}, fmt.Errorf("%w: %q found %d times", ErrPlaceholder, placeholder, len(parts)-1)
	}
	return w.runOrdinary(ctx, cmd.Mode, llm.PayloadInput{Parts: parts}, placeholder)
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

func (w *Worker) runOrdinary(ctx context.Context, mode llm.Mode, in llm.PayloadInput, placeholder string) (Result, error) {
	resp, err := w.exchange(ctx, mode, in)
	if err != nil {
		if ctxErr, ok := llm.IsContextLengthExceeded(err); ok {
			w.presenter().Present(ErrorTitle, ctxErr)
			return Result{}, nil
		}
		return Result{}, err
	}
	if resp == nil {
		return Result{}, nil
	}
	defer resp.Body.Close()

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("app: decode %s response: %w", mode, err)
	}
	if len(decoded.Choices) == 0 {
		return Result{}, fmt.Errorf("app: %s response has no choices", mode)
	}

	return Result{
		Mode:        mode,
		Completion:  strings.TrimSpace(decoded.Choices[0].Text),
		Placeholder: placeholder,
	}, nil
}

func (w *Worker) runChat(ctx context.Context, cmd Command, cfg llm.Config) error {
	if w.History == nil {
		return ErrNoHistory
	}

	content := cmd.Instruction
	if strings.TrimSpace(cmd.Text) != "" {
		content = cmd.Text + "\n\n" + cmd.Instruction
	}
	if err := w.History.Append(ctx, llm.Turn{Role: "user", Content: content}); err != nil {
		return fmt.Errorf("app: store question: %w", err)
	}

	out := w.output()
	if _, err := io.WriteString(out, "\n\n## Question\n\n"+content); err != nil {
		return fmt.Errorf("app: write output: %w", err)
	}

	for {
		turns, err := w.History.ReadAll(ctx)
		if err != nil {
			return fmt.Errorf("app: read history: %w", err)
		}

		resp, err := w.exchange(ctx, llm.ModeChatCompletion, llm.PayloadInput{
			SystemRole: cfg.AssistantRole,
			History:    turns,
		})
		if ctxErr, ok := llm.IsContextLengthExceeded(err); ok {
			// Trimming must leave at least one turn to send.
			if len(turns) > trimPairs && w.Confirm != nil &&
				w.Confirm("Delete the two farthest pairs?\n\n"+ctxErr.Message) {
				w.logger().Info("trimming chat history", zap.Int("turns", trimPairs))
				if err := w.History.DropFirst(ctx, trimPairs); err != nil {
					return fmt.Errorf("app: trim history: %w", err)
				}
				continue
			}
			w.presenter().Present(ErrorTitle, ctxErr)
			return nil
		}
		if err != nil {
			return err
		}
		if resp == nil {
			return nil
		}

		turn, err := w.streamAnswer(resp, out)
		if err != nil {
			return err
		}
		if err := w.History.Append(ctx, turn); err != nil {
			return fmt.Errorf("app: store answer: %w", err)
		}
		return nil
	}
}

func (w *Worker) streamAnswer(resp *http.Response, out io.Writer) (llm.Turn, error) {
	defer resp.Body.Close()

	if _, err := io.WriteString(out, "\n\n## Answer\n\n"); err != nil {
		return llm.Turn{}, fmt.Errorf("app: write output: %w", err)
	}
	return readStream(resp.Body, out)
}

// exchange sends one request and classifies the reply. A nil response with a
// nil error means the upstream error was already presented.
func (w *Worker) exchange(ctx context.Context, mode llm.Mode, in llm.PayloadInput) (*http.Response, error) {
	payload, err := w.Client.BuildPayload(mode, in)
	if err != nil {
		return nil, err
	}
	if err := w.Client.Send(ctx, mode.Path(), payload); err != nil {
		return nil, err
	}
	resp, err := w.Client.Receive()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		w.logger().Debug("discarding non-success response",
			zap.String("mode", mode.String()), zap.Int("status", resp.StatusCode))
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
		return nil, nil
	}
	return resp, nil
}

// ResetHistory drops every cached chat turn.
func (w *Worker) ResetHistory(ctx context.Context) error {
	if w.History == nil {
		return ErrNoHistory
	}
	if err := w.History.DropAll(ctx); err != nil {
		return fmt.Errorf("app: reset history: %w", err)
	}
	w.logger().Info("chat history reset")
	return nil
}
