package usecase

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// ConversationService serves conversation CRUD and enforces ownership:
// every operation beyond List takes the acting principal and fails with
// ErrForbidden when the conversation belongs to someone else.
type ConversationService struct {
	Conversations domain.ConversationRepository
	Messages      domain.MessageRepository
}

func NewConversationService(c domain.ConversationRepository, m domain.MessageRepository) ConversationService {
	return ConversationService{Conversations: c, Messages: m}
}

// Authorize loads the conversation and checks it belongs to userID.
func (s ConversationService) Authorize(ctx domain.Context, userID, conversationID string) (domain.Conversation, error) {
	c, err := s.Conversations.Get(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if c.UserID != userID {
		return domain.Conversation{}, fmt.Errorf("op=conversation.authorize: %w", domain.ErrForbidden)
	}
	return c, nil
}

func (s ConversationService) List(ctx domain.Context, userID string) ([]domain.Conversation, error) {
	return s.Conversations.ListByUser(ctx, userID)
}

// Create starts an empty conversation. Title may be empty; the first user
// message auto-titles it.
func (s ConversationService) Create(ctx domain.Context, userID, title string) (domain.Conversation, error) {
	tracer := otel.Tracer("usecase.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Create")
	defer span.End()

	id, err := s.Conversations.Create(ctx, domain.Conversation{
		UserID: userID,
		Title:  strings.TrimSpace(title),
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return s.Conversations.Get(ctx, id)
}

func (s ConversationService) Get(ctx domain.Context, userID, conversationID string) (domain.Conversation, error) {
	return s.Authorize(ctx, userID, conversationID)
}

func (s ConversationService) Rename(ctx domain.Context, userID, conversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("op=conversation.rename: %w: title required", domain.ErrInvalidArgument)
	}
	if _, err := s.Authorize(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.Conversations.UpdateTitle(ctx, conversationID, title)
}

func (s ConversationService) SetPinned(ctx domain.Context, userID, conversationID string, pinned bool) error {
	if _, err := s.Authorize(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.Conversations.SetPinned(ctx, conversationID, pinned)
}

func (s ConversationService) Delete(ctx domain.Context, userID, conversationID string) error {
	if _, err := s.Authorize(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.Conversations.Delete(ctx, conversationID)
}

// ListMessages returns the conversation's messages oldest first.
func (s ConversationService) ListMessages(ctx domain.Context, userID, conversationID string) ([]domain.Message, error) {
	if _, err := s.Authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.Messages.ListByConversation(ctx, conversationID)
}
