package service

import (
	"context"
	"errors"
	"time"

	"github.com/Baaaki/chatcore/internal/apperr"
	"github.com/Baaaki/chatcore/internal/broker"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/Baaaki/chatcore/internal/repository"
	"github.com/Baaaki/chatcore/internal/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MentionJournal receives mentions after their message is committed, for
// asynchronous notification delivery.
type MentionJournal interface {
	AppendMentions(ctx context.Context, msg models.Message, mentions []models.Mention) error
}

// CapabilityFunc reports whether userID may moderate msg. It is consulted
// only when the requester is not the author.
type CapabilityFunc func(ctx context.Context, userID uuid.UUID, msg *models.Message) bool

// PostInput describes a message to post.
type PostInput struct {
	ChannelID       string
	AuthorID        uuid.UUID
	Content         string
	Kind            models.MessageKind
	MediaRef        *string
	VoiceDurationMs *int
	ParentID        *uuid.UUID
	Mentions        []uuid.UUID
}

// ListOptions pages through a channel newest-first. Before is an exclusive
// message cursor.
type ListOptions struct {
	Limit       int
	Before      *uuid.UUID
	OmitDeleted bool
}

type MessageService struct {
	store   *repository.Store
	pub     broker.Publisher
	journal MentionJournal
	locks   *channelLocks
	now     func() time.Time
	log     *zap.Logger
}

type Option func(*MessageService)

func WithJournal(j MentionJournal) Option {
	return func(s *MessageService) { s.journal = j }
}

func WithClock(now func() time.Time) Option {
	return func(s *MessageService) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *MessageService) { s.log = l }
}

func NewMessageService(store *repository.Store, pub broker.Publisher, opts ...Option) *MessageService {
	s := &MessageService{
		store: store,
		pub:   pub,
		locks: newChannelLocks(),
		now:   time.Now,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// read runs a lookup with the default retry policy.
func read[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := retry.Do(ctx, retry.Default, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (s *MessageService) load(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	return read(ctx, func(ctx context.Context) (*models.Message, error) {
		return s.store.Messages.GetByID(ctx, id)
	})
}

func (s *MessageService) publish(ctx context.Context, channelID string, ev broker.Event) {
	if err := s.pub.Publish(ctx, channelID, ev); err != nil {
		s.log.Warn("Event not published",
			zap.String("type", string(ev.Type)),
			zap.String("channel_id", channelID),
			zap.Error(err),
		)
	}
}

// timestamp returns the current time at storage precision.
func (s *MessageService) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// maxSeqAttempts bounds how often PostMessage reloads the channel tail after
// another writer took the sequence number it picked.
const maxSeqAttempts = 5

// PostMessage validates, persists and announces a new message. Sequence
// numbers are assigned under the channel lock, so the channel log and its
// message.created events share one order. When another node wrote to the
// channel first, the insert hits the (channel_id, seq) index and the tail
// is reloaded before trying again.
func (s *MessageService) PostMessage(ctx context.Context, in PostInput) (*models.Message, error) {
	if in.AuthorID == uuid.Nil {
		return nil, apperr.Validation("author id is required")
	}
	channelID, err := models.ParseChannel(in.ChannelID)
	if err != nil {
		return nil, err
	}
	in.ChannelID = channelID
	if err := validateKind(&in); err != nil {
		return nil, err
	}
	content, err := validateContent(in.Content, in.MediaRef != nil)
	if err != nil {
		return nil, err
	}
	in.Content = content

	lock := s.locks.lock(in.ChannelID)
	defer lock.unlock()

	var msg models.Message
	var mentions []models.Mention
	for attempt := 1; ; attempt++ {
		if !lock.loaded {
			if err := s.loadTail(ctx, lock, in.ChannelID); err != nil {
				return nil, err
			}
		}
		msg, mentions = s.newMessage(in, lock)

		err = s.store.InTx(ctx, func(tx *repository.Store) error {
			if in.ParentID != nil {
				if err := checkParent(ctx, tx, *in.ParentID, in.ChannelID); err != nil {
					return err
				}
			}
			if err := tx.Messages.Create(ctx, &msg); err != nil {
				return err
			}
			return tx.Mentions.CreateBatch(ctx, mentions)
		})
		if err == nil {
			break
		}
		lock.invalidate()
		if !repository.IsDuplicate(err) || attempt == maxSeqAttempts {
			return nil, err
		}
		s.log.Debug("Channel sequence taken by another writer, reloading",
			zap.String("channel_id", in.ChannelID),
			zap.Int64("seq", msg.Seq),
			zap.Int("attempt", attempt),
		)
	}
	lock.lastSeq, lock.lastAt = msg.Seq, msg.CreatedAt

	s.publish(ctx, msg.ChannelID, broker.MessageEvent(broker.EventMessageCreated, msg))

	if s.journal != nil && len(mentions) > 0 {
		if err := s.journal.AppendMentions(ctx, msg, mentions); err != nil {
			s.log.Error("Mention notifications not journaled",
				zap.String("message_id", msg.ID.String()),
				zap.Int("mentions", len(mentions)),
				zap.Error(err),
			)
		}
	}

	s.log.Debug("Message posted",
		zap.String("message_id", msg.ID.String()),
		zap.String("channel_id", msg.ChannelID),
		zap.Int64("seq", msg.Seq),
	)
	return &msg, nil
}

// loadTail refreshes the cached sequence and timestamp of the channel's
// newest message. The caller holds the lock.
func (s *MessageService) loadTail(ctx context.Context, lock *channelLock, channelID string) error {
	last, err := read(ctx, func(ctx context.Context) (*models.Message, error) {
		return s.store.Messages.Last(ctx, channelID)
	})
	if err != nil {
		return err
	}
	lock.lastSeq, lock.lastAt = 0, time.Time{}
	if last != nil {
		lock.lastSeq, lock.lastAt = last.Seq, last.CreatedAt
	}
	lock.loaded = true
	return nil
}

// newMessage builds the next message of the channel and its mention rows.
// created_at never goes behind the channel's newest message.
func (s *MessageService) newMessage(in PostInput, lock *channelLock) (models.Message, []models.Mention) {
	now := s.timestamp()
	if now.Before(lock.lastAt) {
		now = lock.lastAt
	}

	msg := models.Message{
		ID:              uuid.New(),
		ChannelID:       in.ChannelID,
		Seq:             lock.lastSeq + 1,
		AuthorID:        in.AuthorID,
		Content:         in.Content,
		Kind:            in.Kind,
		MediaRef:        in.MediaRef,
		VoiceDurationMs: in.VoiceDurationMs,
		ParentID:        in.ParentID,
		CreatedAt:       now,
	}

	targets := distinctUsers(in.Mentions)
	mentions := make([]models.Mention, 0, len(targets))
	for _, target := range targets {
		mentions = append(mentions, models.Mention{
			ID:                uuid.New(),
			MessageID:         msg.ID,
			ChannelID:         msg.ChannelID,
			MentionedUserID:   target,
			MentionedByUserID: msg.AuthorID,
			CreatedAt:         now,
		})
	}
	return msg, mentions
}

// checkParent runs inside the insert transaction, so a reply never lands
// under a parent deleted after the caller looked at it.
func checkParent(ctx context.Context, tx *repository.Store, parentID uuid.UUID, channelID string) error {
	parent, err := tx.Messages.GetByID(ctx, parentID)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.NotFound("parent message")
	}
	if err != nil {
		return err
	}
	if parent.Deleted || parent.ChannelID != channelID {
		return apperr.NotFound("parent message")
	}
	return nil
}

// EditMessage replaces the content of the author's own live message and
// records the previous content in the edit history.
func (s *MessageService) EditMessage(ctx context.Context, messageID, editorID uuid.UUID, newContent string) (*models.Message, error) {
	msg, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.AuthorID != editorID {
		return nil, apperr.Permission("only the author can edit a message")
	}
	if msg.Deleted {
		return nil, apperr.Gone("message")
	}
	content, err := validateContent(newContent, msg.MediaRef != nil)
	if err != nil {
		return nil, err
	}

	lock := s.locks.lock(msg.ChannelID)
	defer lock.unlock()

	var updated *models.Message
	err = s.store.InTx(ctx, func(tx *repository.Store) error {
		current, err := tx.Messages.GetByID(ctx, messageID)
		if err != nil {
			return err
		}
		if current.Deleted {
			return apperr.Gone("message")
		}

		now := s.timestamp()
		if err := tx.Messages.AppendHistory(ctx, &models.EditHistory{
			MessageID:       current.ID,
			Revision:        current.EditCount + 1,
			PreviousContent: current.Content,
			EditedBy:        editorID,
			EditedAt:        now,
		}); err != nil {
			return err
		}
		if err := tx.Messages.ApplyEdit(ctx, current.ID, content, now); err != nil {
			return err
		}

		current.Content = content
		current.Edited = true
		current.EditCount++
		current.LastEditedAt = &now
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, updated.ChannelID, broker.MessageEvent(broker.EventMessageUpdated, *updated))
	return updated, nil
}

// SoftDelete marks a message deleted. Authors may delete their own
// messages; anyone else needs canModerate to approve.
func (s *MessageService) SoftDelete(ctx context.Context, messageID, requesterID uuid.UUID, canModerate CapabilityFunc) (*models.Message, error) {
	msg, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.AuthorID != requesterID && (canModerate == nil || !canModerate(ctx, requesterID, msg)) {
		return nil, apperr.Permission("not allowed to delete this message")
	}
	if msg.Deleted {
		return nil, apperr.Gone("message")
	}

	lock := s.locks.lock(msg.ChannelID)
	defer lock.unlock()

	now := s.timestamp()
	if err := s.store.Messages.MarkDeleted(ctx, msg.ID, requesterID, now); err != nil {
		return nil, err
	}
	msg.Deleted = true
	msg.DeletedAt = &now
	msg.DeletedBy = &requesterID

	s.publish(ctx, msg.ChannelID, broker.MessageEvent(broker.EventMessageDeleted, *msg))

	s.log.Info("Message deleted",
		zap.String("message_id", msg.ID.String()),
		zap.String("deleted_by", requesterID.String()),
		zap.Bool("moderated", msg.AuthorID != requesterID),
	)
	redacted := msg.Redacted()
	return &redacted, nil
}

// GetMessage returns one message, redacted if deleted.
func (s *MessageService) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	msg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	redacted := msg.Redacted()
	return &redacted, nil
}

// ListMessages returns one page of a channel in chronological order.
func (s *MessageService) ListMessages(ctx context.Context, channelID string, opts ListOptions) ([]models.Message, error) {
	channelID, err := models.ParseChannel(channelID)
	if err != nil {
		return nil, err
	}
	limit, err := pageSize(opts.Limit)
	if err != nil {
		return nil, err
	}

	var beforeSeq int64
	if opts.Before != nil {
		cursor, err := s.load(ctx, *opts.Before)
		if err != nil {
			return nil, err
		}
		if cursor.ChannelID != channelID {
			return nil, apperr.Validation("cursor belongs to another channel")
		}
		beforeSeq = cursor.Seq
	}

	rows, err := read(ctx, func(ctx context.Context) ([]models.Message, error) {
		return s.store.Messages.ListBefore(ctx, channelID, beforeSeq, limit, opts.OmitDeleted)
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Message, len(rows))
	for i, m := range rows {
		out[len(rows)-1-i] = m.Redacted()
	}
	return out, nil
}

// ListReplies returns the replies to a message oldest first.
func (s *MessageService) ListReplies(ctx context.Context, parentID uuid.UUID) ([]models.Message, error) {
	if _, err := s.load(ctx, parentID); err != nil {
		return nil, err
	}
	rows, err := read(ctx, func(ctx context.Context) ([]models.Message, error) {
		return s.store.Messages.ListReplies(ctx, parentID)
	})
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i] = rows[i].Redacted()
	}
	return rows, nil
}

// ListEditHistory returns prior revisions of a live message, oldest first.
func (s *MessageService) ListEditHistory(ctx context.Context, messageID uuid.UUID) ([]models.EditHistory, error) {
	msg, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, apperr.Gone("message")
	}
	return read(ctx, func(ctx context.Context) ([]models.EditHistory, error) {
		return s.store.Messages.ListHistory(ctx, messageID)
	})
}
