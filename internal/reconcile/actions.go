package reconcile

import (
	"context"
	"fmt"

	"github.com/dvloznov/teamledger/internal/domain"
)

// Confirm accepts the pending suggestion linking inboxID to transactionID.
// The item becomes done and every other pending suggestion is invalidated.
func (e *Engine) Confirm(ctx context.Context, teamID domain.TeamID, inboxID, transactionID string) (*domain.Inbox, error) {
	const op = "Confirm"
	if err := domain.RequireTeam(op, teamID); err != nil {
		return nil, err
	}
	item, err := e.store.GetInbox(ctx, teamID, inboxID)
	if err != nil {
		return nil, err
	}
	if item.Status != domain.InboxSuggestedMatch {
		return nil, domain.Conflictf(op, "inbox item %s is %s, not %s", inboxID, item.Status, domain.InboxSuggestedMatch)
	}

	suggestions, err := e.store.ListSuggestions(ctx, teamID, inboxID)
	if err != nil {
		return nil, fmt.Errorf("Confirm: listing suggestions: %w", err)
	}
	var chosen *domain.MatchSuggestion
	for _, s := range suggestions {
		if s.TransactionID == transactionID && s.Status == domain.SuggestionPending {
			chosen = s
		}
	}
	if chosen == nil {
		return nil, domain.NotFoundf(op, "no pending suggestion links inbox item %s to transaction %s", inboxID, transactionID)
	}

	next, err := e.resolve(ctx, op, item, domain.InboxDone, transactionID)
	if err != nil {
		return nil, err
	}
	meta := inboxMetadata(next)
	meta["score"] = chosen.Score
	e.record(ctx, teamID, domain.ActivityInboxMatchConfirmed, domain.ActivitySourceUser, meta)
	return next, nil
}

// Link attaches a transaction to an item by hand, whether or not it was
// suggested.
func (e *Engine) Link(ctx context.Context, teamID domain.TeamID, inboxID, transactionID string) (*domain.Inbox, error) {
	const op = "Link"
	if err := domain.RequireTeam(op, teamID); err != nil {
		return nil, err
	}
	item, err := e.store.GetInbox(ctx, teamID, inboxID)
	if err != nil {
		return nil, err
	}
	if item.Status != domain.InboxSuggestedMatch && item.Status != domain.InboxNoMatch {
		return nil, domain.Conflictf(op, "inbox item %s is %s", inboxID, item.Status)
	}
	if _, err := e.store.GetTransaction(ctx, teamID, transactionID); err != nil {
		return nil, err
	}

	next, err := e.resolve(ctx, op, item, domain.InboxDone, transactionID)
	if err != nil {
		return nil, err
	}
	meta := inboxMetadata(next)
	meta["manual"] = true
	e.record(ctx, teamID, domain.ActivityInboxMatchConfirmed, domain.ActivitySourceUser, meta)
	return next, nil
}

// DeclineSuggestion rejects one suggestion; the pair is never suggested
// again. When no pending suggestion remains the item moves to no_match.
func (e *Engine) DeclineSuggestion(ctx context.Context, teamID domain.TeamID, inboxID, suggestionID string) (*domain.Inbox, error) {
	const op = "DeclineSuggestion"
	if err := domain.RequireTeam(op, teamID); err != nil {
		return nil, err
	}
	suggestions, err := e.store.ListSuggestions(ctx, teamID, inboxID)
	if err != nil {
		return nil, fmt.Errorf("DeclineSuggestion: listing suggestions: %w", err)
	}
	found, pending := false, 0
	for _, s := range suggestions {
		if s.ID == suggestionID {
			found = true
			continue
		}
		if s.Status == domain.SuggestionPending {
			pending++
		}
	}
	if !found {
		return nil, domain.NotFoundf(op, "suggestion %s not found for inbox item %s", suggestionID, inboxID)
	}
	if _, err := e.store.DeclineSuggestion(ctx, teamID, suggestionID); err != nil {
		return nil, err
	}

	item, err := e.store.GetInbox(ctx, teamID, inboxID)
	if err != nil {
		return nil, err
	}
	if pending > 0 || item.Status != domain.InboxSuggestedMatch {
		return item, nil
	}
	next := item.Clone()
	next.Status = domain.InboxNoMatch
	next.UpdatedAt = e.clock()
	if err := e.store.UpdateInbox(ctx, next, domain.InboxSuggestedMatch); err != nil {
		if domain.IsConflict(err) {
			return e.store.GetInbox(ctx, teamID, inboxID)
		}
		return nil, fmt.Errorf("DeclineSuggestion: %w", err)
	}
	return next, nil
}

// Dismiss archives an item. Dismissing an archived item is a no-op.
func (e *Engine) Dismiss(ctx context.Context, teamID domain.TeamID, inboxID string) (*domain.Inbox, error) {
	return e.retire(ctx, "Dismiss", teamID, inboxID, domain.InboxArchived)
}

// Delete marks an item deleted. Deleting twice is a no-op.
func (e *Engine) Delete(ctx context.Context, teamID domain.TeamID, inboxID string) (*domain.Inbox, error) {
	return e.retire(ctx, "Delete", teamID, inboxID, domain.InboxDeleted)
}

func (e *Engine) retire(ctx context.Context, op string, teamID domain.TeamID, inboxID string, to domain.InboxStatus) (*domain.Inbox, error) {
	if err := domain.RequireTeam(op, teamID); err != nil {
		return nil, err
	}
	item, err := e.store.GetInbox(ctx, teamID, inboxID)
	if err != nil {
		return nil, err
	}
	if item.Status == to {
		return item, nil
	}
	return e.resolve(ctx, op, item, to, "")
}

// resolve moves item to status to, confirming the suggestion for
// transactionID (if any) and invalidating the other pending ones.
func (e *Engine) resolve(ctx context.Context, op string, item *domain.Inbox, to domain.InboxStatus, transactionID string) (*domain.Inbox, error) {
	if !item.Status.CanTransition(to) {
		return nil, domain.Conflictf(op, "inbox item %s cannot move from %s to %s", item.ID, item.Status, to)
	}
	next := item.Clone()
	next.Status = to
	next.TransactionID = transactionID
	next.UpdatedAt = e.clock()
	if err := e.store.ResolveInbox(ctx, next, item.Status, transactionID); err != nil {
		if domain.IsConflict(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	e.log.Info().
		Str("team_id", string(item.TeamID)).
		Str("inbox_id", item.ID).
		Str("from", string(item.Status)).
		Str("to", string(to)).
		Str("transaction_id", transactionID).
		Msg("Inbox item resolved")
	return next, nil
}
