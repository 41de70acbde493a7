// Package notify renders activities for humans. Its subpackages deliver them
// to Notion and Discord.
package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dvloznov/teamledger/internal/domain"
)

// Summary is a one-line description of an activity.
func Summary(a *domain.Activity) string {
	m := a.Metadata
	switch a.Type {
	case domain.ActivityTransactionsCreated:
		return fmt.Sprintf("%v new transaction(s) synced", value(m, "count"))
	case domain.ActivityTransactionsEnriched:
		return fmt.Sprintf("%v transaction(s) updated by bank sync", value(m, "count"))
	case domain.ActivityInboxNew:
		return fmt.Sprintf("New inbox item %s", named(m))
	case domain.ActivityInboxAutoMatched:
		return fmt.Sprintf("Inbox item %s matched automatically", named(m))
	case domain.ActivityInboxCrossCurrencyMatched:
		return fmt.Sprintf("Inbox item %s matched across currencies", named(m))
	case domain.ActivityInboxNeedsReview:
		return fmt.Sprintf("Inbox item %s has %v suggestion(s) to review", named(m), value(m, "suggestions"))
	case domain.ActivityInboxMatchConfirmed:
		return fmt.Sprintf("Inbox item %s linked to a transaction", named(m))
	case domain.ActivityInvoiceCreated:
		return fmt.Sprintf("Invoice draft created for %s %s", value(m, "amount"), value(m, "currency"))
	case domain.ActivityInvoiceScheduled:
		return fmt.Sprintf("Invoice %s scheduled", value(m, "invoice_number"))
	case domain.ActivityInvoiceSent:
		return fmt.Sprintf("Invoice %s sent", value(m, "invoice_number"))
	case domain.ActivityInvoicePaid:
		return fmt.Sprintf("Invoice %s paid: %s %s", value(m, "invoice_number"), value(m, "amount"), value(m, "currency"))
	case domain.ActivityInvoiceOverdue:
		return fmt.Sprintf("Invoice %s is overdue", value(m, "invoice_number"))
	case domain.ActivityInvoiceCanceled:
		return fmt.Sprintf("Invoice %s canceled", value(m, "invoice_number"))
	}
	return string(a.Type)
}

// Details renders metadata as sorted key=value lines.
func Details(a *domain.Activity) string {
	keys := make([]string, 0, len(a.Metadata))
	for k := range a.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v\n", k, a.Metadata[k])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func value(m map[string]any, key string) any {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return "?"
}

func named(m map[string]any) string {
	if name, ok := m["display_name"].(string); ok && name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprint(value(m, "inbox_id"))
}
