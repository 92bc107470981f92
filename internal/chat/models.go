package chat

import (
	"time"

	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
)

type Conversation struct {
	ID             string     `json:"id"`
	Title          string     `json:"title,omitempty" validate:"max=120"`
	ParticipantIDs []string   `json:"participant_ids" validate:"required,min=1,dive,required"`
	RFQID          string     `json:"rfq_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
}

func (c Conversation) EntityID() string { return c.ID }

type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id" validate:"required"`
	SenderID       string              `json:"sender_id" validate:"required"`
	Body           string              `json:"body" validate:"required,max=4000"`
	Status         enums.MessageStatus `json:"status"`
	SentAt         time.Time           `json:"sent_at"`
	EditedAt       *time.Time          `json:"edited_at,omitempty"`
}

func (m Message) EntityID() string { return m.ID }

type CreateConversationInput struct {
	Title          string   `json:"title,omitempty" validate:"max=120"`
	ParticipantIDs []string `json:"participant_ids" validate:"required,min=1,dive,required"`
	RFQID          string   `json:"rfq_id,omitempty"`
}

type SendMessageInput struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	SenderID       string `json:"sender_id" validate:"required"`
	Body           string `json:"body" validate:"required,max=4000"`
}
