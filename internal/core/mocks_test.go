package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gwi.com/persona-chat/internal/store"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) Complete(ctx context.Context, system string, history []Turn, prompt string) (string, error) {
	args := m.Called(ctx, system, history, prompt)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) CompleteJSON(ctx context.Context, system, prompt string, schema *jsonschema.Definition) (string, error) {
	args := m.Called(ctx, system, prompt, schema)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	vec, _ := args.Get(0).([]float32)
	return vec, args.Error(1)
}

func (m *MockBackend) Close() error { return nil }

type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) GenerateText(ctx context.Context, prompt, systemMessage, sessionID string) (string, error) {
	args := m.Called(ctx, prompt, systemMessage, sessionID)
	return args.String(0), args.Error(1)
}

// GenerateInSession runs commit with the mocked reply, like the real gateway.
func (m *MockGenerator) GenerateInSession(ctx context.Context, prompt, systemMessage, sessionID string, commit func(reply string) error) (string, error) {
	args := m.Called(ctx, prompt, systemMessage, sessionID)
	reply, err := args.String(0), args.Error(1)
	if err != nil {
		return "", err
	}
	if commit != nil {
		if err := commit(reply); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func (m *MockGenerator) GenerateStructured(ctx context.Context, prompt string, target any, systemMessage string) error {
	args := m.Called(ctx, prompt, target, systemMessage)
	return args.Error(0)
}

func (m *MockGenerator) Remember(ctx context.Context, sessionID string, turns ...Turn) error {
	args := m.Called(ctx, sessionID, turns)
	return args.Error(0)
}

type MockRetriever struct {
	mock.Mock
}

func (m *MockRetriever) SimilaritySearch(ctx context.Context, query string, k int) ([]string, error) {
	args := m.Called(ctx, query, k)
	passages, _ := args.Get(0).([]string)
	return passages, args.Error(1)
}

func (m *MockRetriever) SimilaritySearchForOwner(ctx context.Context, query, ownerID string, k int) ([]string, error) {
	args := m.Called(ctx, query, ownerID, k)
	passages, _ := args.Get(0).([]string)
	return passages, args.Error(1)
}

type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	vec, _ := args.Get(0).([]float32)
	return vec, args.Error(1)
}

func setupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }
