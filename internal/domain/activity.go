package domain

import "time"

// ActivityType is the closed set of domain events.
type ActivityType string

const (
	ActivityTransactionsCreated  ActivityType = "transactions_created"
	ActivityTransactionsEnriched ActivityType = "transactions_enriched"

	ActivityInboxNew                  ActivityType = "inbox_new"
	ActivityInboxAutoMatched          ActivityType = "inbox_auto_matched"
	ActivityInboxNeedsReview          ActivityType = "inbox_needs_review"
	ActivityInboxCrossCurrencyMatched ActivityType = "inbox_cross_currency_matched"
	ActivityInboxMatchConfirmed       ActivityType = "inbox_match_confirmed"

	ActivityInvoiceCreated   ActivityType = "invoice_created"
	ActivityInvoiceScheduled ActivityType = "invoice_scheduled"
	ActivityInvoiceSent      ActivityType = "invoice_sent"
	ActivityInvoicePaid      ActivityType = "invoice_paid"
	ActivityInvoiceOverdue   ActivityType = "invoice_overdue"
	ActivityInvoiceCanceled  ActivityType = "invoice_canceled"
)

var activityTypes = map[ActivityType]struct{}{
	ActivityTransactionsCreated:       {},
	ActivityTransactionsEnriched:      {},
	ActivityInboxNew:                  {},
	ActivityInboxAutoMatched:          {},
	ActivityInboxNeedsReview:          {},
	ActivityInboxCrossCurrencyMatched: {},
	ActivityInboxMatchConfirmed:       {},
	ActivityInvoiceCreated:            {},
	ActivityInvoiceScheduled:          {},
	ActivityInvoiceSent:               {},
	ActivityInvoicePaid:               {},
	ActivityInvoiceOverdue:            {},
	ActivityInvoiceCanceled:           {},
}

// ParseActivityType rejects anything outside the closed set.
func ParseActivityType(op, s string) (ActivityType, error) {
	t := ActivityType(s)
	if _, ok := activityTypes[t]; !ok {
		return "", Validationf(op, "unknown activity type %q", s)
	}
	return t, nil
}

// ActivitySource tells who caused the event.
type ActivitySource string

const (
	ActivitySourceSystem ActivitySource = "system"
	ActivitySourceUser   ActivitySource = "user"
)

// ParseActivitySource rejects anything outside the closed set.
func ParseActivitySource(op, s string) (ActivitySource, error) {
	switch src := ActivitySource(s); src {
	case ActivitySourceSystem, ActivitySourceUser:
		return src, nil
	}
	return "", Validationf(op, "unknown activity source %q", s)
}

// ActivityStatus is the read state of an activity. It is the only mutable part.
type ActivityStatus string

const (
	ActivityUnread   ActivityStatus = "unread"
	ActivityRead     ActivityStatus = "read"
	ActivityArchived ActivityStatus = "archived"
)

var activityTransitions = map[ActivityStatus][]ActivityStatus{
	ActivityUnread:   {ActivityRead, ActivityArchived},
	ActivityRead:     {ActivityArchived},
	ActivityArchived: nil,
}

// ParseActivityStatus rejects anything outside the closed set.
func ParseActivityStatus(op, s string) (ActivityStatus, error) {
	st := ActivityStatus(s)
	if _, ok := activityTransitions[st]; !ok {
		return "", Validationf(op, "unknown activity status %q", s)
	}
	return st, nil
}

// CanTransition reports whether s may move to next.
func (s ActivityStatus) CanTransition(next ActivityStatus) bool {
	return allowed(activityTransitions[s], next)
}

// Activity is an append-only record of a domain event.
type Activity struct {
	ID        string         `json:"id"`
	TeamID    TeamID         `json:"team_id"`
	Type      ActivityType   `json:"type"`
	Source    ActivitySource `json:"source"`
	Status    ActivityStatus `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Clone returns a copy with its own metadata map.
func (a *Activity) Clone() *Activity {
	if a == nil {
		return nil
	}
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
