package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/keylock"
)

// Categorize sets a transaction's category by hand. An empty slug clears it.
func (s *Service) Categorize(ctx context.Context, teamID domain.TeamID, id, slug string) (*domain.Transaction, error) {
	const op = "Categorize"
	if err := domain.RequireTeam(op, teamID); err != nil {
		return nil, err
	}
	if slug != "" {
		var err error
		if slug, err = normalizeSlug(op, slug); err != nil {
			return nil, err
		}
		if _, err := s.store.GetCategory(ctx, teamID, slug); err != nil {
			return nil, err
		}
	}
	return s.edit(ctx, op, teamID, id, func(tx *domain.Transaction) error {
		tx.CategorySlug = slug
		tx.UserSet.Category = true
		return nil
	})
}

// SetNote sets a transaction's note by hand.
func (s *Service) SetNote(ctx context.Context, teamID domain.TeamID, id, note string) (*domain.Transaction, error) {
	return s.edit(ctx, "SetNote", teamID, id, func(tx *domain.Transaction) error {
		tx.Note = strings.TrimSpace(note)
		tx.UserSet.Note = true
		return nil
	})
}

// SetTags replaces a transaction's tags.
func (s *Service) SetTags(ctx context.Context, teamID domain.TeamID, id string, tags []string) (*domain.Transaction, error) {
	return s.edit(ctx, "SetTags", teamID, id, func(tx *domain.Transaction) error {
		tx.Tags = normalizeTags(tags)
		tx.UserSet.Tags = true
		return nil
	})
}

// Assign assigns a transaction to a team member. An empty user clears it.
func (s *Service) Assign(ctx context.Context, teamID domain.TeamID, id, userID string) (*domain.Transaction, error) {
	return s.edit(ctx, "Assign", teamID, id, func(tx *domain.Transaction) error {
		tx.AssignedID = strings.TrimSpace(userID)
		tx.UserSet.Assignment = true
		return nil
	})
}

// Archive retires a transaction. Transactions are never deleted.
func (s *Service) Archive(ctx context.Context, teamID domain.TeamID, id string) (*domain.Transaction, error) {
	return s.edit(ctx, "Archive", teamID, id, func(tx *domain.Transaction) error {
		if tx.Status == domain.TxArchived {
			return nil
		}
		if !tx.Status.CanTransition(domain.TxArchived) {
			return domain.Conflictf("Archive", "transaction %s cannot move from %s to archived", tx.ID, tx.Status)
		}
		tx.Status = domain.TxArchived
		return nil
	})
}

// edit loads a transaction, applies fn and stores it under the same key lock
// ingestion uses, retrying once on a version conflict.
func (s *Service) edit(ctx context.Context, op string, teamID domain.TeamID, id string, fn func(*domain.Transaction) error) (*domain.Transaction, error) {
	if err := domain.RequireTeam(op, teamID); err != nil {
		return nil, err
	}

	current, err := s.store.GetTransaction(ctx, teamID, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(keylock.Key("tx", string(teamID), current.InternalID))
	defer unlock()

	for attempt := 0; ; attempt++ {
		tx, err := s.store.GetTransaction(ctx, teamID, id)
		if err != nil {
			return nil, err
		}
		before := tx.Clone()
		if err := fn(tx); err != nil {
			return nil, err
		}
		if sameContent(before, tx) {
			return tx, nil
		}
		tx.UpdatedAt = s.clock()
		err = s.store.UpdateTransaction(ctx, tx)
		if err == nil {
			return tx, nil
		}
		if !domain.IsConflict(err) || attempt > 0 {
			return nil, fmt.Errorf("%s: updating transaction: %w", op, err)
		}
	}
}
