// openai-completion runs one editor command against the OpenAI API.
//
// Usage:
//
//	openai-completion -mode=completion < selection.txt
//	openai-completion -mode=insertion -text='func add(a, b int) int {[insert]}'
//	openai-completion -mode=edition -instruction="Add error handling" < main.go
//	openai-completion -mode=chat_completion -instruction="What does this do?" -text="$(cat f.go)"
//	openai-completion -reset-history
//
// Settings are read from a YAML (or JSON) file; see -settings. Environment
// variables, optionally loaded from a .env file in the working directory or
// one of its parents, override it:
//   - OPENAI_API_TOKEN: API token
//   - OPENAI_PROXY_ADDRESS, OPENAI_PROXY_PORT: HTTP proxy to tunnel through
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"openai-completion/internal/app"
	"openai-completion/internal/history"
	"openai-completion/internal/llm"
	"openai-completion/internal/logger"
	"openai-completion/pkg/utils"
)

// loadEnvFile loads environment variables from the nearest .env file, looking
// in the current directory and then its parents.
func loadEnvFile(log *zap.Logger) {
	workDir, err := os.Getwd()
	if err != nil {
		log.Warn("could not determine current directory", zap.Error(err))
		return
	}

	for dir := workDir; ; dir = filepath.Dir(dir) {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				log.Warn("failed to load .env", zap.String("path", envPath), zap.Error(err))
				return
			}
			log.Debug("loaded environment", zap.String("path", envPath))
			return
		}
		if parent := filepath.Dir(dir); parent == dir {
			break
		}
	}
	log.Debug("no .env file found, using existing environment")
}

// confirmFromStdin asks the question on stderr and reads y/yes from stdin.
func confirmFromStdin(msg string) bool {
	fmt.Fprintf(os.Stderr, "%s\n[y/N]: ", msg)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func main() {
	mode := flag.String("mode", string(llm.ModeCompletion), "Command mode: insertion, edition, completion or chat_completion")
	settingsPath := flag.String("settings", "", "Settings file (default: per-user config directory)")
	text := flag.String("text", "", "Selected text (read from stdin when empty, except in chat_completion mode)")
	instruction := flag.String("instruction", "", "Instruction for edition and chat_completion modes")
	historyPath := flag.String("history", "", "Chat history database (default: per-user config directory)")
	session := flag.String("session", history.DefaultSession, "Chat history session; \"new\" starts a fresh one")
	resetHistory := flag.Bool("reset-history", false, "Delete the chat history of the session and exit")
	logLevel := flag.String("log-level", utils.GetEnvWithDefault("OPENAI_LOG_LEVEL", "warn"), "Log level: debug, info, warn or error")
	assumeYes := flag.Bool("yes", false, "Trim chat history without asking when the context is too long")
	flag.Parse()

	log, err := logger.New(*logLevel, "stderr")
	if err != nil {
		fmt.Fprintf(os.Stderr, "openai-completion: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(log, options{
		mode:         *mode,
		settingsPath: *settingsPath,
		text:         *text,
		instruction:  *instruction,
		historyPath:  *historyPath,
		session:      *session,
		resetHistory: *resetHistory,
		assumeYes:    *assumeYes,
	}); err != nil {
		log.Error("command failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "openai-completion: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	mode         string
	settingsPath string
	text         string
	instruction  string
	historyPath  string
	session      string
	resetHistory bool
	assumeYes    bool
}

func run(log *zap.Logger, opts options) error {
	loadEnvFile(log)

	if opts.settingsPath == "" {
		path, err := utils.SettingsPath()
		if err != nil {
			return err
		}
		opts.settingsPath = path
	}
	cfg, err := llm.LoadConfig(opts.settingsPath)
	if err != nil {
		return err
	}
	log.Debug("settings loaded",
		zap.String("path", opts.settingsPath),
		zap.String("token", utils.MaskToken(cfg.Token)))

	mode, err := llm.ParseMode(opts.mode)
	if err != nil && !opts.resetHistory {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := llm.NewClient(cfg, llm.WithLogger(log))
	if err != nil {
		return err
	}
	defer client.Close()

	worker := &app.Worker{
		Client:    client,
		Output:    os.Stdout,
		Presenter: llm.LogPresenter{Logger: log},
		Logger:    log,
		Confirm:   confirmFromStdin,
	}
	if opts.assumeYes {
		worker.Confirm = func(string) bool { return true }
	}

	if opts.resetHistory || mode == llm.ModeChatCompletion {
		store, err := openHistory(log, opts.historyPath, opts.session)
		if err != nil {
			return err
		}
		defer store.Close()
		worker.History = store
	}

	if opts.resetHistory {
		return worker.ResetHistory(ctx)
	}

	if opts.text == "" && mode != llm.ModeChatCompletion {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read selection: %w", err)
		}
		opts.text = string(data)
	}

	res, err := worker.Run(ctx, app.Command{Mode: mode, Text: opts.text, Instruction: opts.instruction})
	if err != nil {
		return err
	}
	if mode == llm.ModeChatCompletion {
		fmt.Fprintln(os.Stdout)
		return nil
	}
	if res.Completion != "" {
		fmt.Fprintln(os.Stdout, res.Completion)
	}
	return nil
}

func openHistory(log *zap.Logger, path, session string) (*history.Store, error) {
	if path == "" {
		p, err := utils.HistoryPath()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
		path = p
	}
	if session == "new" {
		session = history.NewSessionID()
		fmt.Fprintf(os.Stderr, "session: %s\n", session)
	}

	store, err := history.Open(path, session, log)
	if err != nil {
		return nil, fmt.Errorf("open chat history: %w", err)
	}
	return store, nil
}
