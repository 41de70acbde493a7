package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/keylock"
	"github.com/dvloznov/teamledger/internal/store"
)

// mutation edits a clone of the stored invoice. It returns the activity to
// emit and whether anything changed.
type mutation func(inv *domain.Invoice) (domain.ActivityType, bool, error)

// transition applies fn under the invoice's key lock and stores the result
// with a status compare-and-swap, retrying once on a lost race. The first
// move out of draft is stored by IssueInvoice, which assigns the number in
// the same atomic step, so a lost race never consumes one.
func (s *Service) transition(ctx context.Context, op string, teamID domain.TeamID, id string, fn mutation) (*domain.Invoice, bool, error) {
	return s.transitionAs(ctx, op, teamID, id, domain.ActivitySourceUser, fn)
}

func (s *Service) transitionAs(ctx context.Context, op string, teamID domain.TeamID, id string, source domain.ActivitySource, fn mutation) (*domain.Invoice, bool, error) {
	if err := domain.RequireTeam(op, teamID); err != nil {
		return nil, false, err
	}
	unlock := s.locks.Lock(keylock.Key("invoice", string(teamID), id))
	defer unlock()

	for attempt := 0; ; attempt++ {
		current, err := s.store.GetInvoice(ctx, teamID, id)
		if err != nil {
			return nil, false, err
		}
		next := current.Clone()
		typ, changed, err := fn(next)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return current, false, nil
		}
		next.UpdatedAt = s.clock()
		if err := s.save(ctx, op, current, next); err != nil {
			if domain.IsConflict(err) && attempt == 0 {
				continue
			}
			if domain.IsConflict(err) {
				return nil, false, err
			}
			return nil, false, fmt.Errorf("%s: %w", op, err)
		}
		if current.Status != next.Status {
			s.log.Info().
				Str("team_id", string(teamID)).
				Str("invoice_id", id).
				Str("from", string(current.Status)).
				Str("to", string(next.Status)).
				Str("invoice_number", next.InvoiceNumber).
				Msg("Invoice transitioned")
		}
		if typ != "" {
			s.record(ctx, next, typ, source)
		}
		return next, true, nil
	}
}

// save stores next over current. An invoice leaving draft for anything but
// canceled gets the next team sequence value; numbers are never reused,
// including after cancellation.
func (s *Service) save(ctx context.Context, op string, current, next *domain.Invoice) error {
	if current.Status != domain.InvoiceDraft || next.Status == domain.InvoiceDraft ||
		next.Status == domain.InvoiceCanceled || next.Number != 0 {
		return s.store.UpdateInvoice(ctx, next, current.Status)
	}
	tpl, err := s.store.FindInvoiceTemplate(ctx, next.TeamID)
	if err != nil {
		return fmt.Errorf("%s: loading template: %w", op, err)
	}
	return s.store.IssueInvoice(ctx, next, current.Status, tpl.FormatNumber)
}

func (s *Service) require(op string, inv *domain.Invoice, to domain.InvoiceStatus) error {
	if !inv.Status.CanTransition(to) {
		return domain.Conflictf(op, "invoice %s cannot move from %s to %s", inv.ID, inv.Status, to)
	}
	return nil
}

// Schedule queues a draft to be sent at a future time and assigns its number.
func (s *Service) Schedule(ctx context.Context, teamID domain.TeamID, id string, at time.Time) (*domain.Invoice, error) {
	const op = "Schedule"
	if !at.After(s.clock()) {
		return nil, domain.Validationf(op, "schedule date %s is not in the future", at.Format(time.RFC3339))
	}
	inv, _, err := s.transition(ctx, op, teamID, id, func(inv *domain.Invoice) (domain.ActivityType, bool, error) {
		if err := s.require(op, inv, domain.InvoiceScheduled); err != nil {
			return "", false, err
		}
		at := at.UTC()
		inv.Status = domain.InvoiceScheduled
		inv.ScheduleDate = &at
		return domain.ActivityInvoiceScheduled, true, nil
	})
	return inv, err
}

// Send marks a draft or scheduled invoice as sent.
func (s *Service) Send(ctx context.Context, teamID domain.TeamID, id string) (*domain.Invoice, error) {
	inv, _, err := s.transition(ctx, "Send", teamID, id, s.send("Send"))
	return inv, err
}

func (s *Service) send(op string) mutation {
	return func(inv *domain.Invoice) (domain.ActivityType, bool, error) {
		if err := s.require(op, inv, domain.InvoiceSent); err != nil {
			return "", false, err
		}
		now := s.clock()
		inv.Status = domain.InvoiceSent
		inv.SentAt = &now
		return domain.ActivityInvoiceSent, true, nil
	}
}

// MarkPaid records payment. Paying a paid invoice is a no-op.
func (s *Service) MarkPaid(ctx context.Context, teamID domain.TeamID, id string) (*domain.Invoice, error) {
	const op = "MarkPaid"
	inv, _, err := s.transition(ctx, op, teamID, id, func(inv *domain.Invoice) (domain.ActivityType, bool, error) {
		if inv.Status == domain.InvoicePaid {
			return "", false, nil
		}
		if err := s.require(op, inv, domain.InvoicePaid); err != nil {
			return "", false, err
		}
		now := s.clock()
		inv.Status = domain.InvoicePaid
		inv.PaidAt = &now
		return domain.ActivityInvoicePaid, true, nil
	})
	return inv, err
}

// MarkOverdue flags a sent invoice whose due date has passed.
func (s *Service) MarkOverdue(ctx context.Context, teamID domain.TeamID, id string) (*domain.Invoice, error) {
	inv, _, err := s.transition(ctx, "MarkOverdue", teamID, id, s.overdue("MarkOverdue"))
	return inv, err
}

func (s *Service) overdue(op string) mutation {
	return func(inv *domain.Invoice) (domain.ActivityType, bool, error) {
		if inv.Status == domain.InvoiceOverdue {
			return "", false, nil
		}
		if err := s.require(op, inv, domain.InvoiceOverdue); err != nil {
			return "", false, err
		}
		if !inv.DueDate.Before(domain.DateOnly(s.clock())) {
			return "", false, domain.Conflictf(op, "invoice %s is not due until %s", inv.ID, inv.DueDate.Format(time.DateOnly))
		}
		inv.Status = domain.InvoiceOverdue
		return domain.ActivityInvoiceOverdue, true, nil
	}
}

// Cancel voids an invoice. Canceling a draft allocates no number; a paid
// invoice cannot be canceled. Canceling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, teamID domain.TeamID, id string) (*domain.Invoice, error) {
	const op = "Cancel"
	inv, _, err := s.transition(ctx, op, teamID, id, func(inv *domain.Invoice) (domain.ActivityType, bool, error) {
		if inv.Status == domain.InvoiceCanceled {
			return "", false, nil
		}
		if err := s.require(op, inv, domain.InvoiceCanceled); err != nil {
			return "", false, err
		}
		now := s.clock()
		inv.Status = domain.InvoiceCanceled
		inv.CanceledAt = &now
		return domain.ActivityInvoiceCanceled, true, nil
	})
	return inv, err
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Sent    int `json:"sent"`
	Overdue int `json:"overdue"`
	Failed  int `json:"failed"`
}

// Sweep sends scheduled invoices whose time has come and flags sent
// invoices past their due date, across every team. A failure on one
// invoice does not stop the sweep; failures are joined into the error.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	teams, err := s.store.ListTeamIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("Sweep: listing teams: %w", err)
	}
	now := s.clock()
	var errs []error
	for _, teamID := range teams {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		due, err := s.store.ListInvoices(ctx, teamID, store.InvoiceFilter{
			Statuses:        []domain.InvoiceStatus{domain.InvoiceScheduled},
			ScheduledBefore: now,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("Sweep: listing scheduled for %s: %w", teamID, err))
			continue
		}
		for _, inv := range due {
			if _, changed, err := s.transitionAs(ctx, "Sweep", teamID, inv.ID, domain.ActivitySourceSystem, s.send("Sweep")); err != nil {
				res.Failed++
				errs = append(errs, err)
			} else if changed {
				res.Sent++
			}
		}

		late, err := s.store.ListInvoices(ctx, teamID, store.InvoiceFilter{
			Statuses:  []domain.InvoiceStatus{domain.InvoiceSent},
			DueBefore: domain.DateOnly(now),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("Sweep: listing sent for %s: %w", teamID, err))
			continue
		}
		for _, inv := range late {
			if _, changed, err := s.transitionAs(ctx, "Sweep", teamID, inv.ID, domain.ActivitySourceSystem, s.overdue("Sweep")); err != nil {
				res.Failed++
				errs = append(errs, err)
			} else if changed {
				res.Overdue++
			}
		}
	}
	if res.Sent+res.Overdue+res.Failed > 0 {
		s.log.Info().
			Int("sent", res.Sent).
			Int("overdue", res.Overdue).
			Int("failed", res.Failed).
			Msg("Invoice sweep finished")
	}
	return res, errors.Join(errs...)
}
