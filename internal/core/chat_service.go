package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gwi.com/persona-chat/internal/cache"
	"gwi.com/persona-chat/internal/metrics"
	"gwi.com/persona-chat/internal/store"
)

const (
	defaultAssistantName = "AI Assistant"

	assistantInstruction = "You are a helpful assistant. Answer the user's questions politely and concisely."

	selfAuthoredCapacity = 100000
)

// Generator is the part of the generation gateway the orchestration uses.
type Generator interface {
	GenerateText(ctx context.Context, prompt, systemMessage, sessionID string) (string, error)
	GenerateInSession(ctx context.Context, prompt, systemMessage, sessionID string, commit func(reply string) error) (string, error)
	GenerateStructured(ctx context.Context, prompt string, target any, systemMessage string) error
	Remember(ctx context.Context, sessionID string, turns ...Turn) error
}

type ChatOptions struct {
	// PersistInbound stores the caller's message next to the reply. When
	// false only the reply is written.
	PersistInbound bool
	RAGEnabled     bool
	RAGTopK        int
	// SelfAuthoredTTL is how long reply ids are remembered so change events
	// for them are not mistaken for new requests.
	SelfAuthoredTTL time.Duration
}

// ChatService orchestrates persona conversations: it resolves rooms and
// personas, calls the generator and writes both sides of the exchange.
type ChatService struct {
	store        *store.SQLiteStore
	generator    Generator
	retriever    OwnerRetriever
	opts         ChatOptions
	selfAuthored *cache.Cache[struct{}]
	logger       *zap.Logger
}

// NewChatService wires the orchestration. retriever may be nil.
func NewChatService(db *store.SQLiteStore, gen Generator, retriever OwnerRetriever, opts ChatOptions, logger *zap.Logger) *ChatService {
	if opts.RAGTopK <= 0 {
		opts.RAGTopK = 3
	}
	if opts.SelfAuthoredTTL <= 0 {
		opts.SelfAuthoredTTL = 10 * time.Minute
	}
	return &ChatService{
		store:        db,
		generator:    gen,
		retriever:    retriever,
		opts:         opts,
		selfAuthored: cache.New[struct{}](opts.SelfAuthoredTTL, selfAuthoredCapacity),
		logger:       logger,
	}
}

func (s *ChatService) Close() {
	s.selfAuthored.Close()
}

type ProfileExcerpt struct {
	Personality string  `json:"personality,omitempty"`
	Tone        string  `json:"tone,omitempty"`
	Backstory   *string `json:"backstory"`
}

type VirtualUserSummary struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Profile ProfileExcerpt `json:"profile"`
}

type ChatResponse struct {
	Success       bool                `json:"success"`
	ChatRoomID    int64               `json:"chat_room_id"`
	UserMessageID *int64              `json:"user_message_id,omitempty"`
	AIMessageID   int64               `json:"ai_message_id"`
	AIResponse    string              `json:"ai_response"`
	VirtualUser   *VirtualUserSummary `json:"virtual_user,omitempty"`
}

// IsSelfAuthored reports whether messageID is a reply this service wrote
// recently.
func (s *ChatService) IsSelfAuthored(messageID int64) bool {
	return s.selfAuthored.Contains(strconv.FormatInt(messageID, 10))
}

// EnsureUser creates the human and an empty profile on first sight.
func (s *ChatService) EnsureUser(ctx context.Context, userID, email string) (*store.GeneralUser, error) {
	accountName := email
	if accountName == "" {
		accountName = userID
	}
	user, err := s.store.GetOrCreateGeneralUser(ctx, userID, accountName, "")
	if err != nil {
		return nil, Internal("Failed to resolve user", err)
	}
	if _, err := s.store.GetOrCreateUserProfile(ctx, userID, email); err != nil {
		return nil, Internal("Failed to resolve user profile", err)
	}
	return user, nil
}

// InitiateVirtualUserChat opens a new private room with the persona and
// returns its first reply. The room is owned by the system participant and
// also linked to userID when one is given.
func (s *ChatService) InitiateVirtualUserChat(ctx context.Context, userID, virtualUserID, message string) (*ChatResponse, error) {
	if strings.TrimSpace(message) == "" {
		return nil, Validation("Message content is required")
	}
	vu, profile, err := s.loadPersona(ctx, virtualUserID)
	if err != nil {
		return nil, err
	}

	system := withGroundingContext(BuildPersonaSystemPrompt(vu, profile), s.groundingContext(ctx, userID, message))
	reply, err := s.generator.GenerateText(ctx, message, system, "")
	if err != nil {
		return nil, err
	}

	participants := []string{store.SystemUserID}
	if userID != "" && userID != store.SystemUserID {
		participants = append(participants, userID)
	}
	ex := exchange{
		participants:  participants,
		virtualUserID: vu.ID,
		inbound:       message,
		reply:         reply,
	}
	if s.opts.PersistInbound {
		ex.inboundAuthor = authorOrSystem(userID)
	}
	res, err := s.persistExchange(ctx, "initiate", ex)
	if err != nil {
		return nil, err
	}

	s.seedMemory(ctx, SessionID(res.chatRoomID, vu.ID), message, reply)
	s.logger.Info("Initiated virtual user chat",
		zap.Int64("chat_room_id", res.chatRoomID), zap.String("virtual_user_id", vu.ID))
	return newChatResponse(res, reply, vu, profile), nil
}

// ProcessVirtualUserChat continues a conversation in an existing room.
func (s *ChatService) ProcessVirtualUserChat(ctx context.Context, userID string, chatRoomID int64, virtualUserID, message string) (*ChatResponse, error) {
	return s.process(ctx, processInput{
		userID:         userID,
		chatRoomID:     chatRoomID,
		virtualUserID:  virtualUserID,
		message:        message,
		persistInbound: s.opts.PersistInbound,
	})
}

// processEvent handles a message row that already exists in the store, so
// only the reply is written.
func (s *ChatService) processEvent(ctx context.Context, chatRoomID int64, virtualUserID, message string) (*ChatResponse, error) {
	return s.process(ctx, processInput{
		chatRoomID:    chatRoomID,
		virtualUserID: virtualUserID,
		message:       message,
	})
}

type processInput struct {
	userID         string
	chatRoomID     int64
	virtualUserID  string
	message        string
	persistInbound bool
}

func (s *ChatService) process(ctx context.Context, in processInput) (*ChatResponse, error) {
	if strings.TrimSpace(in.message) == "" {
		return nil, Validation("Message content is required")
	}
	room, err := s.store.GetChatRoom(ctx, in.chatRoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFound("Chat room not found")
		}
		return nil, Transient("Failed to load chat room", err)
	}
	if in.userID != "" {
		if err := s.requireMember(ctx, in.userID, room.ID); err != nil {
			return nil, err
		}
	}
	vu, profile, err := s.loadPersona(ctx, in.virtualUserID)
	if err != nil {
		return nil, err
	}

	ex := exchange{
		chatRoomID:    room.ID,
		virtualUserID: vu.ID,
		inbound:       in.message,
	}
	if in.userID != "" {
		ex.participants = []string{in.userID}
	}
	if in.persistInbound {
		ex.inboundAuthor = authorOrSystem(in.userID)
	}

	system := withGroundingContext(BuildPersonaSystemPrompt(vu, profile), s.groundingContext(ctx, in.userID, in.message))
	var res persistedExchange
	reply, err := s.generator.GenerateInSession(ctx, in.message, system, SessionID(room.ID, vu.ID), func(reply string) error {
		ex.reply = reply
		var err error
		res, err = s.persistExchange(ctx, "process", ex)
		return err
	})
	if err != nil {
		return nil, err
	}
	return newChatResponse(res, reply, vu, profile), nil
}

// Chat is the general assistant conversation of an authenticated user. It
// reuses the user's first persona, creating a default assistant when the
// user has none, and opens a room unless chatRoomID names an existing one.
func (s *ChatService) Chat(ctx context.Context, userID, message string, chatRoomID *int64) (*ChatResponse, error) {
	if strings.TrimSpace(message) == "" {
		return nil, Validation("Message content is required")
	}

	var roomID int64
	if chatRoomID != nil {
		room, err := s.store.GetChatRoom(ctx, *chatRoomID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, NotFound("Chat room not found")
			}
			return nil, Transient("Failed to load chat room", err)
		}
		if err := s.requireMember(ctx, userID, room.ID); err != nil {
			return nil, err
		}
		roomID = room.ID
	}

	vu, err := s.defaultPersona(ctx, userID)
	if err != nil {
		return nil, err
	}
	profile, err := s.store.GetVirtualUserProfile(ctx, vu.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, Transient("Failed to load virtual user profile", err)
	}

	system := BuildPersonaSystemPrompt(vu, profile) + "\n" + assistantInstruction
	system = withGroundingContext(system, s.groundingContext(ctx, userID, message))

	sessionID := ""
	if roomID != 0 {
		sessionID = SessionID(roomID, vu.ID)
	}
	var res persistedExchange
	reply, err := s.generator.GenerateInSession(ctx, message, system, sessionID, func(reply string) error {
		var err error
		res, err = s.persistExchange(ctx, "chat", exchange{
			chatRoomID:    roomID,
			participants:  []string{userID},
			inboundAuthor: userID,
			virtualUserID: vu.ID,
			inbound:       message,
			reply:         reply,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		s.seedMemory(ctx, SessionID(res.chatRoomID, vu.ID), message, reply)
	}
	return newChatResponse(res, reply, vu, profile), nil
}

func (s *ChatService) defaultPersona(ctx context.Context, ownerID string) (*store.VirtualUser, error) {
	personas, err := s.store.ListVirtualUsersByOwner(ctx, ownerID)
	if err != nil {
		return nil, Transient("Failed to load virtual users", err)
	}
	if len(personas) > 0 {
		return &personas[0], nil
	}
	vu, err := s.store.CreateVirtualUser(ctx, defaultAssistantName, ownerID)
	if err != nil {
		return nil, Transient("Failed to create default virtual user", err)
	}
	s.logger.Info("Created default virtual user", zap.String("owner_id", ownerID), zap.String("virtual_user_id", vu.ID))
	return vu, nil
}

// ListChatRooms returns the rooms userID participates in.
func (s *ChatService) ListChatRooms(ctx context.Context, userID string) ([]store.ChatRoom, error) {
	rooms, err := s.store.ListChatRoomsByUser(ctx, userID)
	if err != nil {
		return nil, Transient("Failed to list chat rooms", err)
	}
	if rooms == nil {
		rooms = []store.ChatRoom{}
	}
	return rooms, nil
}

// ListMessages returns the last limit messages of a room the user belongs to.
// Rooms the user is not linked to are reported as missing.
func (s *ChatService) ListMessages(ctx context.Context, userID string, chatRoomID int64, limit int) ([]store.Message, error) {
	if _, err := s.store.GetChatRoom(ctx, chatRoomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFound("Chat room not found")
		}
		return nil, Transient("Failed to load chat room", err)
	}
	if err := s.requireMember(ctx, userID, chatRoomID); err != nil {
		return nil, err
	}

	messages, err := s.store.ListMessagesByChatRoom(ctx, chatRoomID, limit)
	if err != nil {
		return nil, Transient("Failed to load messages", err)
	}
	if messages == nil {
		messages = []store.Message{}
	}
	return messages, nil
}

// GeneratedProfile is the structured output requested when drafting a
// persona profile.
type GeneratedProfile struct {
	Personality   string   `json:"personality" validate:"required" description:"A few adjectives describing the character"`
	Tone          string   `json:"tone" validate:"required" description:"How the character speaks"`
	KnowledgeArea []string `json:"knowledge_area" validate:"required,min=1,dive,required" description:"Topics the character knows well"`
	Backstory     string   `json:"backstory" validate:"required" description:"Two or three sentences of history"`
	Quirks        string   `json:"quirks" description:"Optional habits or verbal tics"`
}

// GenerateVirtualUserProfile drafts a profile for a persona owned by ownerID
// from a free-text brief and stores it.
func (s *ChatService) GenerateVirtualUserProfile(ctx context.Context, ownerID, virtualUserID, brief string) (*store.VirtualUserProfile, error) {
	vu, existing, err := s.loadPersona(ctx, virtualUserID)
	if err != nil {
		return nil, err
	}
	if vu.OwnerID != ownerID {
		return nil, NotFound("Virtual user not found")
	}

	prompt := fmt.Sprintf("Create a persona profile for a chat character named %q.", vu.Name)
	if brief = strings.TrimSpace(brief); brief != "" {
		prompt += "\nBrief from the owner: " + brief
	}
	var generated GeneratedProfile
	if err := s.generator.GenerateStructured(ctx, prompt, &generated, "You design consistent, vivid fictional characters."); err != nil {
		return nil, err
	}

	p := &store.VirtualUserProfile{
		VirtualUserID: vu.ID,
		Personality:   generated.Personality,
		Tone:          generated.Tone,
		KnowledgeArea: generated.KnowledgeArea,
		Backstory:     generated.Backstory,
	}
	if q := strings.TrimSpace(generated.Quirks); q != "" {
		p.Quirks = &q
	}
	if existing != nil {
		p.Knowledge = existing.Knowledge
	}
	saved, err := s.store.UpsertVirtualUserProfile(ctx, p)
	if err != nil {
		s.logger.Error("Generated profile could not be persisted", zap.String("virtual_user_id", vu.ID), zap.Error(err))
		metrics.PersistenceFailures.WithLabelValues("profile").Inc()
		return nil, Transient("Failed to save virtual user profile", err)
	}
	return saved, nil
}

func (s *ChatService) loadPersona(ctx context.Context, virtualUserID string) (*store.VirtualUser, *store.VirtualUserProfile, error) {
	vu, err := s.store.GetVirtualUser(ctx, virtualUserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, NotFound("Virtual user not found")
		}
		return nil, nil, Transient("Failed to load virtual user", err)
	}
	profile, err := s.store.GetVirtualUserProfile(ctx, vu.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, Transient("Failed to load virtual user profile", err)
		}
		profile = nil
	}
	return vu, profile, nil
}

// requireMember reports rooms userID is not linked to as missing, so callers
// cannot probe or join rooms by id.
func (s *ChatService) requireMember(ctx context.Context, userID string, chatRoomID int64) error {
	member, err := s.store.IsUserInChatRoom(ctx, userID, chatRoomID)
	if err != nil {
		return Transient("Failed to load chat room", err)
	}
	if !member {
		return NotFound("Chat room not found")
	}
	return nil
}

// groundingContext returns passages for message from the shared corpus and
// the chunks ownerID added. Retrieval is an enhancement, so failures only
// degrade the answer.
func (s *ChatService) groundingContext(ctx context.Context, ownerID, message string) []string {
	if !s.opts.RAGEnabled || s.retriever == nil {
		return nil
	}
	passages, err := s.retriever.SimilaritySearchForOwner(ctx, message, ownerID, s.opts.RAGTopK)
	if err != nil {
		s.logger.Warn("Retrieval failed, proceeding without context", zap.Error(err))
		return nil
	}
	return passages
}

func (s *ChatService) seedMemory(ctx context.Context, sessionID, message, reply string) {
	if err := s.generator.Remember(ctx, sessionID,
		Turn{Role: RoleUser, Content: message},
		Turn{Role: RoleAssistant, Content: reply},
	); err != nil {
		s.logger.Warn("Failed to seed conversation memory", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// exchange is everything written for one generated reply.
type exchange struct {
	chatRoomID    int64    // 0 opens a new private room
	participants  []string // humans linked to the room
	inboundAuthor string   // empty skips the inbound row
	virtualUserID string
	inbound       string
	reply         string
}

type persistedExchange struct {
	chatRoomID    int64
	userMessageID *int64
	aiMessageID   int64
}

// persistExchange writes links and messages in one transaction. Generation
// has already happened, so a failure here is logged with enough context to
// recover the reply and returned as retryable.
func (s *ChatService) persistExchange(ctx context.Context, operation string, ex exchange) (persistedExchange, error) {
	var out persistedExchange
	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		roomID := ex.chatRoomID
		if roomID == 0 {
			room, err := q.CreateChatRoom(ctx, store.ChatTypePrivate)
			if err != nil {
				return err
			}
			roomID = room.ID
		}
		for _, userID := range ex.participants {
			if _, err := q.GetOrCreateUserChat(ctx, userID, roomID); err != nil {
				return err
			}
		}
		if _, err := q.GetOrCreateVirtualUserChat(ctx, ex.virtualUserID, roomID); err != nil {
			return err
		}

		if ex.inboundAuthor != "" {
			author := ex.inboundAuthor
			inbound := &store.Message{ChatRoomID: roomID, SenderID: &author, Content: ex.inbound}
			if err := q.CreateMessage(ctx, inbound); err != nil {
				return fmt.Errorf("inbound message: %w", err)
			}
			id := inbound.ID
			out.userMessageID = &id
		}

		persona := ex.virtualUserID
		reply := &store.Message{ChatRoomID: roomID, VirtualUserID: &persona, Content: ex.reply}
		if err := q.CreateMessage(ctx, reply); err != nil {
			return fmt.Errorf("reply message: %w", err)
		}
		out.aiMessageID = reply.ID
		out.chatRoomID = roomID
		return nil
	})
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues(operation).Inc()
		s.logger.Error("Generated reply could not be persisted",
			zap.String("operation", operation),
			zap.Int64("chat_room_id", ex.chatRoomID),
			zap.String("virtual_user_id", ex.virtualUserID),
			zap.Int("reply_length", len(ex.reply)),
			zap.Error(err))
		return persistedExchange{}, Transient("Failed to save chat messages", err)
	}

	if out.userMessageID != nil {
		metrics.MessagesPersisted.WithLabelValues("user").Inc()
	}
	metrics.MessagesPersisted.WithLabelValues("virtual_user").Inc()
	s.selfAuthored.Set(strconv.FormatInt(out.aiMessageID, 10), struct{}{})
	return out, nil
}

func authorOrSystem(userID string) string {
	if userID == "" {
		return store.SystemUserID
	}
	return userID
}

func newChatResponse(res persistedExchange, reply string, vu *store.VirtualUser, profile *store.VirtualUserProfile) *ChatResponse {
	summary := &VirtualUserSummary{ID: vu.ID, Name: vu.Name}
	if profile != nil {
		backstory := profile.Backstory
		summary.Profile = ProfileExcerpt{
			Personality: profile.Personality,
			Tone:        profile.Tone,
			Backstory:   &backstory,
		}
	}
	return &ChatResponse{
		Success:       true,
		ChatRoomID:    res.chatRoomID,
		UserMessageID: res.userMessageID,
		AIMessageID:   res.aiMessageID,
		AIResponse:    reply,
		VirtualUser:   summary,
	}
}
