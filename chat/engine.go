package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docchat_back/knowledge"
)

const (
	FallbackAnswer  = "Sorry, something went wrong. Try rephrasing!"
	DefaultAgentTag = "query agent"

	defaultHistoryLimit      = 20
	defaultTopK              = 4
	defaultRetrievalTimeout  = 10 * time.Second
	defaultGenerationTimeout = 60 * time.Second
)

// Retriever returns passages the principal is authorized to see.
type Retriever interface {
	Retrieve(ctx context.Context, principal, query string, k int) ([]knowledge.Passage, error)
}

// AuditRecorder stores one entry per answered question.
type AuditRecorder interface {
	Record(ctx context.Context, principal, question string, documentIDs []string, agentTag string) error
}

type EngineConfig struct {
	Retriever         Retriever
	Model             Model
	Recorder          AuditRecorder
	HistoryLimit      int
	TopK              int
	AgentTag          string
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	Logger            *slog.Logger
}

// Engine answers questions grounded in authorized passages.
type Engine struct {
	retriever         Retriever
	model             Model
	recorder          AuditRecorder
	historyLimit      int
	topK              int
	agentTag          string
	retrievalTimeout  time.Duration
	generationTimeout time.Duration
	logger            *slog.Logger
}

// Reply is the result of Ask. On failure Answer is FallbackAnswer, Sources is
// empty and History is the caller's history unchanged.
type Reply struct {
	Answer   string   `json:"answer"`
	Sources  []string `json:"sources"`
	History  []Turn   `json:"-"`
	Degraded bool     `json:"-"`
}

type outcome struct {
	answer   string
	passages []knowledge.Passage
	err      error
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Retriever == nil || cfg.Model == nil {
		return nil, errors.New("chat: engine requires retriever and model")
	}
	e := &Engine{
		retriever:         cfg.Retriever,
		model:             cfg.Model,
		recorder:          cfg.Recorder,
		historyLimit:      cfg.HistoryLimit,
		topK:              cfg.TopK,
		agentTag:          strings.TrimSpace(cfg.AgentTag),
		retrievalTimeout:  cfg.RetrievalTimeout,
		generationTimeout: cfg.GenerationTimeout,
		logger:            cfg.Logger,
	}
	if e.historyLimit <= 0 {
		e.historyLimit = defaultHistoryLimit
	}
	if e.topK <= 0 {
		e.topK = defaultTopK
	}
	if e.agentTag == "" {
		e.agentTag = DefaultAgentTag
	}
	if e.retrievalTimeout <= 0 {
		e.retrievalTimeout = defaultRetrievalTimeout
	}
	if e.generationTimeout <= 0 {
		e.generationTimeout = defaultGenerationTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Ask answers question for principal. It never returns an error: any failure
// in retrieval or generation degrades to FallbackAnswer.
func (e *Engine) Ask(ctx context.Context, principal, question string, history []Turn) Reply {
	memory := e.rebuild(history)
	question = strings.TrimSpace(question)

	out := e.run(ctx, principal, question, memory)
	if out.err != nil {
		e.logger.Warn("answer degraded", "principal", principal, "error", out.err)
		unchanged := make([]Turn, len(history))
		copy(unchanged, history)
		return Reply{Answer: FallbackAnswer, Sources: []string{}, History: unchanged, Degraded: true}
	}

	sources := citedDocuments(out.passages)
	updated := append(memory,
		Turn{Role: RoleUser, Content: question},
		Turn{Role: RoleAssistant, Content: out.answer},
	)
	updated = capTurns(updated, e.historyLimit)

	if e.recorder != nil {
		if err := e.recorder.Record(ctx, principal, question, sources, e.agentTag); err != nil {
			e.logger.Warn("audit record failed", "principal", principal, "error", err)
		}
	}
	return Reply{Answer: out.answer, Sources: sources, History: updated}
}

func (e *Engine) run(ctx context.Context, principal, question string, memory []Turn) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{err: fmt.Errorf("chat: recovered panic: %v", r)}
		}
	}()

	if question == "" {
		return outcome{err: errors.New("chat: empty question")}
	}

	retrieveCtx, cancel := context.WithTimeout(ctx, e.retrievalTimeout)
	passages, err := e.retriever.Retrieve(retrieveCtx, principal, question, e.topK)
	cancel()
	if err != nil {
		return outcome{err: fmt.Errorf("chat: retrieve: %w", err)}
	}

	generateCtx, cancel := context.WithTimeout(ctx, e.generationTimeout)
	result, err := e.model.Chat(generateCtx, buildMessages(question, memory, passages))
	cancel()
	if err != nil {
		return outcome{err: fmt.Errorf("chat: generate: %w", err)}
	}
	answer := strings.TrimSpace(result.Content)
	if answer == "" {
		return outcome{err: errors.New("chat: model returned an empty answer")}
	}
	return outcome{answer: answer, passages: passages}
}

// rebuild keeps well-formed turns and caps them to the history window.
func (e *Engine) rebuild(history []Turn) []Turn {
	memory := make([]Turn, 0, len(history)+2)
	for _, turn := range history {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		switch turn.Role {
		case RoleUser, RoleAssistant, RoleSystem:
			memory = append(memory, Turn{Role: turn.Role, Content: content})
		}
	}
	return capTurns(memory, e.historyLimit)
}

func capTurns(turns []Turn, limit int) []Turn {
	if limit <= 0 || len(turns) <= limit {
		return turns
	}
	capped := make([]Turn, limit)
	copy(capped, turns[len(turns)-limit:])
	return capped
}
