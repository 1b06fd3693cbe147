package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gwi.com/persona-chat/internal/auth"
	"gwi.com/persona-chat/internal/core"
)

const (
	maxBodyBytes        = 1 << 20
	defaultMessageLimit = 100
	maxMessageLimit     = 500
	defaultRetrievalK   = 3
)

type APIHandler struct {
	chatService *core.ChatService
	llmService  *core.LLMService
	ragService  *core.RAGService
	webhook     *core.WebhookHandler
	verifier    *auth.Verifier
	validate    *validator.Validate
	logger      *zap.Logger
}

func NewAPIHandler(cs *core.ChatService, llm *core.LLMService, rag *core.RAGService, wh *core.WebhookHandler, verifier *auth.Verifier, logger *zap.Logger) *APIHandler {
	return &APIHandler{
		chatService: cs,
		llmService:  llm,
		ragService:  rag,
		webhook:     wh,
		verifier:    verifier,
		validate:    validator.New(),
		logger:      logger,
	}
}

// decode reads a JSON body into v and runs its validate tags.
func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.Validation("Invalid request body")
	}
	if err := h.validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return core.Validation(fmt.Sprintf("Invalid request body: %s failed %q", strings.ToLower(fieldErrs[0].Field()), fieldErrs[0].Tag()))
		}
		return core.Validation("Invalid request body")
	}
	return nil
}

func pathInt64(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, core.Validation(fmt.Sprintf("%s must be an integer", name))
	}
	return id, nil
}

func identity(r *http.Request) auth.Identity {
	id, _ := IdentityFromContext(r.Context())
	return id
}

func (h *APIHandler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, core.Validation("Invalid payload: body could not be read"))
		return
	}
	event, err := core.ParseWebhookEvent(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.webhook.Handle(r.Context(), event)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ChatMessageRequest accepts both field names used by clients for the text.
type ChatMessageRequest struct {
	Message        string `json:"message"`
	MessageContent string `json:"message_content"`
}

func (req ChatMessageRequest) text() string {
	if req.Message != "" {
		return req.Message
	}
	return req.MessageContent
}

func (h *APIHandler) InitiateVirtualUserChatHandler(w http.ResponseWriter, r *http.Request) {
	virtualUserID := chi.URLParam(r, "virtual_user_id")

	var req ChatMessageRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.chatService.InitiateVirtualUserChat(r.Context(), identity(r).ID, virtualUserID, req.text())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) ProcessVirtualUserChatHandler(w http.ResponseWriter, r *http.Request) {
	chatRoomID, err := pathInt64(r, "chat_room_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	virtualUserID := chi.URLParam(r, "virtual_user_id")

	var req ChatMessageRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.chatService.ProcessVirtualUserChat(r.Context(), identity(r).ID, chatRoomID, virtualUserID, req.text())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type ChatRequest struct {
	ChatMessageRequest
	ChatRoomID *int64 `json:"chat_room_id"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.chatService.Chat(r.Context(), identity(r).ID, req.text(), req.ChatRoomID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) ListChatRoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.chatService.ListChatRooms(r.Context(), identity(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	chatRoomID, err := pathInt64(r, "chat_room_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxMessageLimit {
			h.writeError(w, r, core.Validation(fmt.Sprintf("limit must be between 1 and %d", maxMessageLimit)))
			return
		}
		limit = n
	}

	messages, err := h.chatService.ListMessages(r.Context(), identity(r).ID, chatRoomID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type GenerateReplyRequest struct {
	Prompt        string `json:"prompt" validate:"required"`
	SystemMessage string `json:"system_message"`
	SessionID     string `json:"session_id" validate:"omitempty,max=128"`
	UseRetrieval  bool   `json:"use_retrieval"`
	K             int    `json:"k" validate:"omitempty,min=1,max=20"`
}

type GenerateReplyResponse struct {
	Reply string `json:"reply"`
}

func (h *APIHandler) GenerateReplyHandler(w http.ResponseWriter, r *http.Request) {
	var req GenerateReplyRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	var (
		reply string
		err   error
	)
	if req.UseRetrieval {
		k := req.K
		if k == 0 {
			k = defaultRetrievalK
		}
		reply, err = h.llmService.GenerateWithRetrieval(r.Context(), req.Prompt, h.ragService.ForOwner(identity(r).ID), k, req.SystemMessage)
	} else {
		sessionID := ""
		if req.SessionID != "" {
			// sessions are private to the caller
			sessionID = "user:" + identity(r).ID + ":" + req.SessionID
		}
		reply, err = h.llmService.GenerateText(r.Context(), req.Prompt, req.SystemMessage, sessionID)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateReplyResponse{Reply: reply})
}

type GenerateProfileRequest struct {
	Brief string `json:"brief" validate:"max=2000"`
}

func (h *APIHandler) GenerateProfileHandler(w http.ResponseWriter, r *http.Request) {
	virtualUserID := chi.URLParam(r, "virtual_user_id")

	var req GenerateProfileRequest
	if r.ContentLength != 0 {
		if err := h.decode(w, r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	profile, err := h.chatService.GenerateVirtualUserProfile(r.Context(), identity(r).ID, virtualUserID, req.Brief)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type AddEmbeddingsRequest struct {
	Texts []string `json:"texts" validate:"required,min=1,max=100,dive,required"`
}

type EmbeddingIDsResponse struct {
	IDs []string `json:"ids"`
}

func (h *APIHandler) AddEmbeddingsHandler(w http.ResponseWriter, r *http.Request) {
	var req AddEmbeddingsRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ids, err := h.ragService.AddTexts(r.Context(), req.Texts, nil, identity(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, EmbeddingIDsResponse{IDs: ids})
}

type DeleteEmbeddingsRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=500,dive,required"`
}

func (h *APIHandler) DeleteEmbeddingsHandler(w http.ResponseWriter, r *http.Request) {
	var req DeleteEmbeddingsRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.ragService.DeleteTexts(r.Context(), identity(r).ID, req.IDs); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
