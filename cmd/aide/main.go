package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"aide/internal/agent"
	"aide/internal/app"
	"aide/internal/config"
	"aide/internal/llm"
	"aide/internal/logging"
	"aide/internal/store"
	"aide/internal/tools"
)

const systemPrompt = `You are aide, a coding assistant running in a terminal.
You can run shell commands, read and edit files, and search the working
directory through the tools you are given. Prefer small, verifiable steps.
Destructive commands require user approval; never try to work around a
rejected approval.`

func main() {
	providerFlag := flag.String("provider", "", "provider to use (openai, openrouter, anthropic); overrides the config file")
	modelFlag := flag.String("model", "", "model name; overrides the provider default")
	workDirFlag := flag.String("workdir", "", "tool working directory; defaults to the current directory")
	resetFlag := flag.Bool("reset", false, "clear the stored transcript before starting")
	flag.Parse()

	if err := run(*providerFlag, *modelFlag, *workDirFlag, *resetFlag); err != nil {
		fmt.Fprintln(os.Stderr, "aide:", err)
		os.Exit(1)
	}
}

func run(providerOverride, modelOverride, workDirOverride string, reset bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logPath, err := config.LogPath()
	if err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger := logging.New(logFile, logging.ParseLevel(cfg.LogLevel()))

	providerID := cfg.ActiveProvider()
	if providerOverride != "" {
		providerID = providerOverride
	}
	registry := llm.NewDefaultRegistry()
	provider, ok := registry.Get(providerID)
	if !ok {
		return fmt.Errorf("unknown provider %q", providerID)
	}

	history := llm.NewHistoryStore()
	model, err := provider.NewModel(llm.Deps{Settings: cfg, Logger: logger, History: history})
	if err != nil {
		return err
	}

	modelName, effort := providerDefaults(cfg, provider.ID)
	if modelOverride != "" {
		modelName = modelOverride
	}

	workDir := cfg.WorkDir()
	if workDirOverride != "" {
		workDir = workDirOverride
	}

	runner := agent.NewRunClient(agent.RunConfig{
		Name:         "aide",
		Instructions: systemPrompt,
		Model:        model,
		Tools:        tools.DefaultSet(workDir, tools.SafeReadOnly, 2*time.Minute),
		Settings:     llm.Settings{Model: modelName, ReasoningEffort: effort},
		MaxTurns:     cfg.MaxTurns(),
		Backoff: llm.Backoff{
			Base:        cfg.RetryBackoffBase(),
			Cap:         cfg.RetryBackoffCap(),
			MaxAttempts: cfg.RetryMaxAttempts(),
		},
		Logger: logger,
	})
	session := agent.NewSession(agent.SessionConfig{
		Runner:               runner,
		Logger:               logger,
		HallucinationRetries: cfg.HallucinationRetries(),
		FailureThreshold:     cfg.FailureThreshold(),
	})

	dbPath, err := config.TranscriptDBPath()
	if err != nil {
		return err
	}
	transcripts, err := store.OpenTranscriptStore(dbPath)
	if err != nil {
		return err
	}
	defer transcripts.Close()

	// One durable transcript per install; a fresh run resumes the scrollback.
	conversationID := "main"
	if reset {
		if err := transcripts.Clear(""); err != nil {
			return err
		}
	}

	logger.Info("starting", logging.F("provider", provider.ID), logging.F("model", modelName))
	return app.Run(app.Config{
		Session:        session,
		Transcripts:    transcripts,
		ConversationID: conversationID,
		ProviderLabel:  provider.Label,
		ModelName:      modelName,
		Logger:         logger,
	})
}

func providerDefaults(cfg config.Config, providerID string) (model, effort string) {
	switch providerID {
	case "openrouter":
		return cfg.OpenRouterModel(), cfg.OpenRouterReasoningEffort()
	case "anthropic":
		return cfg.AnthropicModel(), ""
	default:
		return cfg.OpenAIModel(), cfg.OpenAIReasoningEffort()
	}
}
