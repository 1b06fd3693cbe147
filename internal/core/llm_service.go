package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"
	"gwi.com/persona-chat/internal/config"
	"gwi.com/persona-chat/internal/metrics"
)

// Backend is a language-model provider.
type Backend interface {
	Name() string
	Complete(ctx context.Context, system string, history []Turn, prompt string) (string, error)
	CompleteJSON(ctx context.Context, system, prompt string, schema *jsonschema.Definition) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}

// NewBackend builds the provider selected by the configuration. Missing
// credentials surface here, at startup, as a configuration error.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		return NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.OpenAIEmbeddingModel)
	case config.ProviderGemini:
		return NewGeminiBackend(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiEmbeddingModel)
	default:
		return nil, Configuration(fmt.Sprintf("unknown LLM provider %q", cfg.LLMProvider))
	}
}

// Retriever returns passages relevant to a query, best first.
type Retriever interface {
	SimilaritySearch(ctx context.Context, query string, k int) ([]string, error)
}

// OwnerRetriever searches the passages visible to one user: the shared corpus
// plus the chunks that user added.
type OwnerRetriever interface {
	SimilaritySearchForOwner(ctx context.Context, query, ownerID string, k int) ([]string, error)
}

// LLMService is the uniform generation entry point: text in/text out and
// object in/object out, with optional per-session memory.
type LLMService struct {
	backend Backend
	memory  ConversationMemory
	timeout time.Duration
	locks   *sessionLocks
	logger  *zap.Logger
}

// NewLLMService wraps backend. memory may be nil, in which case session ids
// are ignored.
func NewLLMService(backend Backend, memory ConversationMemory, timeout time.Duration, logger *zap.Logger) *LLMService {
	return &LLMService{
		backend: backend,
		memory:  memory,
		timeout: timeout,
		locks:   newSessionLocks(),
		logger:  logger,
	}
}

func (s *LLMService) Close() error {
	return s.backend.Close()
}

// GenerateText completes prompt. With a session id, prior turns of that
// session are sent as history and the new exchange is appended afterwards.
// Calls for the same session are serialized.
func (s *LLMService) GenerateText(ctx context.Context, prompt, systemMessage, sessionID string) (string, error) {
	return s.GenerateInSession(ctx, prompt, systemMessage, sessionID, nil)
}

// GenerateInSession is GenerateText with a commit step. commit runs with the
// reply while the session is still held; the exchange is appended to memory
// only when commit returns nil, and its error is returned unchanged.
func (s *LLMService) GenerateInSession(ctx context.Context, prompt, systemMessage, sessionID string, commit func(reply string) error) (string, error) {
	remember := sessionID != "" && s.memory != nil

	var history []Turn
	if remember {
		unlock := s.locks.Lock(sessionID)
		defer unlock()

		var err error
		history, err = s.memory.History(ctx, sessionID)
		if err != nil {
			s.logger.Warn("Conversation memory unavailable, generating without history",
				zap.String("session_id", sessionID), zap.Error(err))
			history = nil
		}
	}

	text, err := s.call(ctx, "generate_text", func(ctx context.Context) (string, error) {
		return s.backend.Complete(ctx, systemMessage, history, prompt)
	})
	if err != nil {
		return "", err
	}

	if commit != nil {
		if err := commit(text); err != nil {
			return "", err
		}
	}

	if remember {
		if err := s.memory.Append(ctx, sessionID,
			Turn{Role: RoleUser, Content: prompt},
			Turn{Role: RoleAssistant, Content: text},
		); err != nil {
			s.logger.Warn("Failed to append to conversation memory",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return text, nil
}

var outputValidator = validator.New()

// GenerateStructured asks the backend for JSON conforming to the schema of
// target (a pointer to a struct) and decodes into it. Output that is not JSON,
// does not decode, or fails the struct's validate tags is a SchemaViolation.
func (s *LLMService) GenerateStructured(ctx context.Context, prompt string, target any, systemMessage string) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return Internal("structured target must be a non-nil pointer", nil)
	}
	schema, err := jsonschema.GenerateSchemaForType(rv.Elem().Interface())
	if err != nil {
		return Internal("failed to derive output schema", err)
	}

	raw, err := s.call(ctx, "generate_structured", func(ctx context.Context) (string, error) {
		return s.backend.CompleteJSON(ctx, systemMessage, prompt, schema)
	})
	if err != nil {
		return err
	}

	if err := decodeStructured(raw, target); err != nil {
		metrics.GenerationRequests.WithLabelValues(s.backend.Name(), "generate_structured", "schema_violation").Inc()
		s.logger.Error("Structured output did not conform to schema",
			zap.String("backend", s.backend.Name()), zap.Int("output_length", len(raw)), zap.Error(err))
		return SchemaViolation("Model output did not match the requested schema", err)
	}
	return nil
}

func decodeStructured(raw string, target any) error {
	raw = strings.TrimSpace(raw)
	// Some models fence JSON even in JSON mode.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	if !json.Valid([]byte(raw)) {
		return errors.New("output is not valid JSON")
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return err
	}
	if reflect.Indirect(reflect.ValueOf(target)).Kind() == reflect.Struct {
		return outputValidator.Struct(target)
	}
	return nil
}

// GenerateWithRetrieval fetches the top k passages for prompt and answers
// using them as context.
func (s *LLMService) GenerateWithRetrieval(ctx context.Context, prompt string, retriever Retriever, k int, systemMessage string) (string, error) {
	passages, err := retriever.SimilaritySearch(ctx, prompt, k)
	if err != nil {
		return "", asTransient("Retrieval failed", err)
	}
	return s.GenerateText(ctx, BuildRetrievalPrompt(passages, prompt), systemMessage, "")
}

// GenerateStructuredWithRetrieval is GenerateWithRetrieval for structured output.
func (s *LLMService) GenerateStructuredWithRetrieval(ctx context.Context, prompt string, target any, retriever Retriever, k int, systemMessage string) error {
	passages, err := retriever.SimilaritySearch(ctx, prompt, k)
	if err != nil {
		return asTransient("Retrieval failed", err)
	}
	return s.GenerateStructured(ctx, BuildRetrievalPrompt(passages, prompt), target, systemMessage)
}

// Remember appends turns to a session without generating, e.g. to seed the
// buffer of a freshly created room.
func (s *LLMService) Remember(ctx context.Context, sessionID string, turns ...Turn) error {
	if s.memory == nil || sessionID == "" {
		return nil
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	return s.memory.Append(ctx, sessionID, turns...)
}

// Embed returns the embedding of text using the configured backend.
func (s *LLMService) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vec, err := s.backend.Embed(ctx, text)
	if err != nil {
		return nil, asTransient("Embedding backend failed", err)
	}
	return vec, nil
}

// call runs one bounded backend request and records its outcome.
func (s *LLMService) call(ctx context.Context, operation string, fn func(context.Context) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	out, err := fn(ctx)
	metrics.GenerationDuration.WithLabelValues(s.backend.Name(), operation).Observe(time.Since(start).Seconds())

	if err != nil {
		status := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status = "timeout"
		}
		metrics.GenerationRequests.WithLabelValues(s.backend.Name(), operation, status).Inc()
		s.logger.Error("Generation backend call failed",
			zap.String("backend", s.backend.Name()),
			zap.String("operation", operation),
			zap.String("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		if status == "timeout" {
			return "", Transient("Generation timed out", err)
		}
		return "", asTransient("Generation backend failed", err)
	}

	metrics.GenerationRequests.WithLabelValues(s.backend.Name(), operation, "ok").Inc()
	return out, nil
}

// asTransient wraps err as Transient unless it is already classified.
func asTransient(msg string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Transient(msg, err)
}
