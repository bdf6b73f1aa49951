package repository

import (
	"context"
	"errors"

	"github.com/Baaaki/chatcore/internal/apperr"
	"gorm.io/gorm"
)

// Store groups the repositories that share one *gorm.DB, so a service can
// run several of them inside a single transaction.
type Store struct {
	db        *gorm.DB
	Messages  *MessageRepository
	Reactions *ReactionRepository
	Mentions  *MentionRepository
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:        db,
		Messages:  NewMessageRepository(db),
		Reactions: NewReactionRepository(db),
		Mentions:  NewMentionRepository(db),
	}
}

// InTx runs fn against repositories bound to one transaction. The
// transaction commits when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
	return translate("transaction", err)
}

// IsDuplicate reports whether err came from a unique index rejecting a row.
// It needs the connection to be opened with gorm's TranslateError.
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// translate maps driver errors onto the shared error kinds. Errors that
// already carry a kind pass through unchanged.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.NotFound(op)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrGone),
		errors.Is(err, apperr.ErrPermission),
		errors.Is(err, apperr.ErrTransientStorage):
		return err
	default:
		return apperr.Transient(op, err)
	}
}
