// Package chat lets buyers and vendors converse while offline. Messages show as "sending"
// until the server confirms them and as "failed" when the queue gives up.
package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/angelmondragon/packfinderz-offline/internal/cache"
	"github.com/angelmondragon/packfinderz-offline/internal/events"
	"github.com/angelmondragon/packfinderz-offline/internal/localstore"
	"github.com/angelmondragon/packfinderz-offline/internal/offline"
	"github.com/angelmondragon/packfinderz-offline/internal/scheduler"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-offline/pkg/errors"
	"github.com/angelmondragon/packfinderz-offline/pkg/logger"
	"github.com/angelmondragon/packfinderz-offline/pkg/validators"
)

// Engine is what chat needs from the sync engine.
type Engine interface {
	offline.Writer
	RegisterReconciler(entityType enums.EntityType, rec scheduler.Reconciler)
	Subscribe(topic events.Topic, fn events.Subscriber) func()
}

type Service interface {
	CreateConversation(ctx context.Context, input CreateConversationInput) (Conversation, error)
	GetConversation(ctx context.Context, id string) (offline.Item[Conversation], error)
	ListConversations(ctx context.Context) ([]offline.Item[Conversation], error)
	CacheConversation(ctx context.Context, conversation Conversation) error
	SendMessage(ctx context.Context, input SendMessageInput) (Message, error)
	EditMessage(ctx context.Context, id, body string) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ResendMessage(ctx context.Context, id string) (Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]offline.Item[Message], error)
	CacheMessages(ctx context.Context, messages []Message) error
	Close()
}

type service struct {
	engine        Engine
	logg          *logger.Logger
	conversations *offline.Adapter[Conversation]
	messages      *offline.Adapter[Message]
	now           func() time.Time
	unsubscribe   func()
	closeOnce     sync.Once
}

func NewService(engine Engine, logg *logger.Logger) (Service, error) {
	if engine == nil {
		return nil, errors.New("engine required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	conversations, err := offline.NewAdapter(engine, offline.Params[Conversation]{
		EntityType: enums.EntityConversation,
		AssignID:   func(c Conversation, id string) Conversation { c.ID = id; return c },
	})
	if err != nil {
		return nil, err
	}
	messages, err := offline.NewAdapter(engine, offline.Params[Message]{
		EntityType: enums.EntityMessage,
		AssignID:   func(m Message, id string) Message { m.ID = id; return m },
		Guard:      guardMessage,
	})
	if err != nil {
		return nil, err
	}
	svc := &service{
		engine:        engine,
		logg:          logg,
		conversations: conversations,
		messages:      messages,
		now:           func() time.Time { return time.Now().UTC() },
	}
	engine.RegisterReconciler(enums.EntityMessage, scheduler.ReconcilerFunc(svc.reconcileMessage))
	svc.unsubscribe = engine.Subscribe(events.TopicMutationFailed, svc.onMutationFailed)
	return svc, nil
}

// A message can only be written into a conversation the device knows about.
func guardMessage(ctx context.Context, tx *localstore.Tx, action enums.MutationAction, prev, next *Message) error {
	if action == enums.ActionDelete {
		return nil
	}
	if prev != nil && prev.ConversationID != next.ConversationID {
		return pkgerrors.New(pkgerrors.CodeInvariant, "messages cannot move between conversations")
	}
	if _, err := tx.Cache.Get(ctx, enums.EntityConversation, next.ConversationID); err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return pkgerrors.New(pkgerrors.CodeValidation, "conversation not found").
				WithDetails(map[string]any{"conversation_id": next.ConversationID})
		}
		return err
	}
	return nil
}

func (s *service) CreateConversation(ctx context.Context, input CreateConversationInput) (Conversation, error) {
	if err := validators.Struct(input); err != nil {
		return Conversation{}, err
	}
	return s.conversations.Create(ctx, Conversation{
		Title:          validators.SanitizeString(input.Title, 120),
		ParticipantIDs: input.ParticipantIDs,
		RFQID:          input.RFQID,
		CreatedAt:      s.now(),
	})
}

func (s *service) GetConversation(ctx context.Context, id string) (offline.Item[Conversation], error) {
	return s.conversations.GetItem(ctx, id)
}

// ListConversations orders by latest activity.
func (s *service) ListConversations(ctx context.Context) ([]offline.Item[Conversation], error) {
	items, err := s.conversations.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return activity(items[i].Value).After(activity(items[j].Value))
	})
	return items, nil
}

func activity(c Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (s *service) CacheConversation(ctx context.Context, conversation Conversation) error {
	if conversation.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "conversation id is required")
	}
	return s.conversations.Put(ctx, conversation, true)
}

// SendMessage stores the message as sending and queues it. The conversation may itself be
// waiting to sync; the message is held until it has a server id.
func (s *service) SendMessage(ctx context.Context, input SendMessageInput) (Message, error) {
	if err := validators.Struct(input); err != nil {
		return Message{}, err
	}
	var out Message
	err := s.engine.WithTx(ctx, func(tx *localstore.Tx) error {
		var err error
		out, err = s.messages.CreateTx(ctx, tx, Message{
			ConversationID: input.ConversationID,
			SenderID:       input.SenderID,
			Body:           input.Body,
			Status:         enums.MessageSending,
			SentAt:         s.now(),
		})
		if err != nil {
			return err
		}
		return s.touchConversation(ctx, tx, out.ConversationID, out.SentAt)
	})
	return out, err
}

func (s *service) touchConversation(ctx context.Context, tx *localstore.Tx, id string, at time.Time) error {
	record, err := tx.Cache.Get(ctx, enums.EntityConversation, id)
	if err != nil {
		return err
	}
	var conversation Conversation
	if err := record.Payload.Decode(&conversation); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInvariant, err, "decode cached conversation")
	}
	conversation.LastMessageAt = &at
	_, err = tx.Cache.Put(ctx, cache.PutInput{
		EntityType: enums.EntityConversation,
		EntityID:   id,
		Payload:    conversation,
		Synced:     record.Synced,
	})
	return err
}

func (s *service) EditMessage(ctx context.Context, id, body string) (Message, error) {
	var out Message
	err := s.engine.WithTx(ctx, func(tx *localstore.Tx) error {
		msg, err := s.messages.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now()
		msg.Body = body
		msg.EditedAt = &now
		out, err = s.messages.UpdateTx(ctx, tx, msg)
		return err
	})
	return out, err
}

// DeleteMessage removes the message locally. A message the server never received is simply
// dropped from the queue.
func (s *service) DeleteMessage(ctx context.Context, id string) error {
	return s.messages.Delete(ctx, id)
}

// ResendMessage requeues the failed mutations of a message.
func (s *service) ResendMessage(ctx context.Context, id string) (Message, error) {
	var out Message
	err := s.engine.WithTx(ctx, func(tx *localstore.Tx) error {
		msg, err := s.messages.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		entries, err := tx.Outbox.ListByRelated(ctx, id)
		if err != nil {
			return err
		}
		var failed []string
		for _, entry := range entries {
			if entry.Status == enums.OutboxStatusFailed {
				failed = append(failed, entry.ID)
			}
		}
		if len(failed) == 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "message has no failed delivery to resend").
				WithDetails(map[string]any{"message_id": id})
		}
		if _, err := tx.Outbox.RetryFailed(ctx, failed...); err != nil {
			return err
		}
		msg.Status = enums.MessageSending
		out = msg
		return s.putMessage(ctx, tx, msg, false)
	})
	return out, err
}

// ListMessages returns a conversation's messages in the order they were sent.
func (s *service) ListMessages(ctx context.Context, conversationID string) ([]offline.Item[Message], error) {
	items, err := s.messages.List(ctx, func(m Message) bool { return m.ConversationID == conversationID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Value, items[j].Value
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		return a.ID < b.ID
	})
	return items, nil
}

// CacheMessages stores messages fetched from the server.
func (s *service) CacheMessages(ctx context.Context, messages []Message) error {
	return s.engine.WithTx(ctx, func(tx *localstore.Tx) error {
		for _, msg := range messages {
			if msg.ID == "" {
				return pkgerrors.New(pkgerrors.CodeValidation, "message id is required")
			}
			if err := s.putMessage(ctx, tx, msg, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// reconcileMessage marks a confirmed message as sent when the server copy did not say so.
func (s *service) reconcileMessage(ctx context.Context, tx *localstore.Tx, result scheduler.Result) error {
	if result.Entry.Action == enums.ActionDelete {
		return nil
	}
	record, err := tx.Cache.Get(ctx, enums.EntityMessage, result.EntityID)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var msg Message
	if err := record.Payload.Decode(&msg); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInvariant, err, "decode cached message")
	}
	if msg.Status == enums.MessageSent {
		return nil
	}
	msg.Status = enums.MessageSent
	return s.putMessage(ctx, tx, msg, record.Synced)
}

func (s *service) onMutationFailed(evt events.Event) {
	data, ok := evt.Data.(events.MutationFailed)
	if !ok || data.EntityType != enums.EntityMessage || data.Action == enums.ActionDelete {
		return
	}
	ctx := s.logg.WithEntity(context.Background(), string(data.EntityType), data.RelatedEntityID)
	err := s.engine.WithTx(ctx, func(tx *localstore.Tx) error {
		msg, err := s.messages.GetTx(ctx, tx, data.RelatedEntityID)
		if err != nil {
			return err
		}
		msg.Status = enums.MessageFailed
		return s.putMessage(ctx, tx, msg, false)
	})
	if err != nil && !pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		s.logg.Error(ctx, "failed to mark message as failed", err)
	}
}

func (s *service) putMessage(ctx context.Context, tx *localstore.Tx, msg Message, synced bool) error {
	_, err := tx.Cache.Put(ctx, cache.PutInput{
		EntityType: enums.EntityMessage,
		EntityID:   msg.ID,
		Payload:    msg,
		Synced:     synced,
	})
	return err
}

func (s *service) Close() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}
