package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"google.golang.org/api/option"
)

const (
	defaultGeminiChatModel      = "gemini-2.0-flash"
	defaultGeminiEmbeddingModel = "text-embedding-004"
)

// GeminiBackend talks to Google's Generative Language API.
type GeminiBackend struct {
	client         *genai.Client
	model          string
	embeddingModel string
}

func NewGeminiBackend(ctx context.Context, apiKey, model, embeddingModel string) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, Configuration("GEMINI_API_KEY is required for the gemini provider")
	}
	if model == "" {
		model = defaultGeminiChatModel
	}
	if embeddingModel == "" {
		embeddingModel = defaultGeminiEmbeddingModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiBackend{client: client, model: model, embeddingModel: embeddingModel}, nil
}

func (b *GeminiBackend) Name() string { return "gemini" }

func (b *GeminiBackend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *GeminiBackend) generativeModel(system string) *genai.GenerativeModel {
	model := b.client.GenerativeModel(b.model)
	if system != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}
	return model
}

func (b *GeminiBackend) Complete(ctx context.Context, system string, history []Turn, prompt string) (string, error) {
	model := b.generativeModel(system)

	chatSession := model.StartChat()
	for _, t := range history {
		role := "user"
		if t.Role == RoleAssistant {
			role = "model"
		}
		chatSession.History = append(chatSession.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(t.Content)},
		})
	}

	resp, err := chatSession.SendMessage(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	return responseText(resp)
}

func (b *GeminiBackend) CompleteJSON(ctx context.Context, system, prompt string, schema *jsonschema.Definition) (string, error) {
	model := b.generativeModel(system)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = toGenaiSchema(schema)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini structured generation failed: %w", err)
	}
	return responseText(resp)
}

func (b *GeminiBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	em := b.client.EmbeddingModel(b.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, errors.New("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("gemini response was empty or had no valid candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	if text.Len() == 0 {
		return "", errors.New("gemini response contained no text parts")
	}
	return text.String(), nil
}

// toGenaiSchema converts a JSON schema definition into the subset Gemini
// understands.
func toGenaiSchema(d *jsonschema.Definition) *genai.Schema {
	if d == nil {
		return nil
	}
	s := &genai.Schema{
		Description: d.Description,
		Enum:        d.Enum,
		Required:    d.Required,
	}
	switch d.Type {
	case jsonschema.Object:
		s.Type = genai.TypeObject
	case jsonschema.Array:
		s.Type = genai.TypeArray
	case jsonschema.Integer:
		s.Type = genai.TypeInteger
	case jsonschema.Number:
		s.Type = genai.TypeNumber
	case jsonschema.Boolean:
		s.Type = genai.TypeBoolean
	default:
		s.Type = genai.TypeString
	}
	if d.Items != nil {
		s.Items = toGenaiSchema(d.Items)
	}
	if len(d.Properties) > 0 {
		s.Properties = make(map[string]*genai.Schema, len(d.Properties))
		for name, prop := range d.Properties {
			prop := prop
			s.Properties[name] = toGenaiSchema(&prop)
		}
	}
	return s
}
