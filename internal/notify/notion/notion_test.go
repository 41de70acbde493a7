package notion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rs/zerolog"

	"github.com/dvloznov/teamledger/internal/domain"
)

// fakeService keeps created pages in memory and answers activity-id queries.
type fakeService struct {
	pages     []notionapi.Page
	created   int
	createErr error
	queryErr  error
}

func (f *fakeService) CreatePage(_ context.Context, _ string, props notionapi.Properties) (*notionapi.Page, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	stored := notionapi.Properties{}
	for k, v := range props {
		if rt, ok := v.(notionapi.RichTextProperty); ok {
			stored[k] = &rt
			continue
		}
		stored[k] = v
	}
	page := notionapi.Page{ID: notionapi.ObjectID(fmt.Sprintf("page-%d", f.created)), Properties: stored}
	f.pages = append(f.pages, page)
	return &page, nil
}

func (f *fakeService) QueryDatabase(_ context.Context, _ string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	filter, ok := req.Filter.(notionapi.PropertyFilter)
	if !ok || filter.RichText == nil {
		return &notionapi.DatabaseQueryResponse{Results: f.pages}, nil
	}
	var out []notionapi.Page
	for _, p := range f.pages {
		if ActivityIDOf(p) == filter.RichText.Equals {
			out = append(out, p)
		}
	}
	return &notionapi.DatabaseQueryResponse{Results: out}, nil
}

func testActivity() *domain.Activity {
	return &domain.Activity{
		ID:        "act-1",
		TeamID:    "team-a",
		Type:      domain.ActivityInvoicePaid,
		Source:    domain.ActivitySourceUser,
		Metadata:  map[string]any{"invoice_number": "INV-0007", "amount": "540.00", "currency": "USD"},
		CreatedAt: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestDeliverIsIdempotent(t *testing.T) {
	svc := &fakeService{}
	tr := NewTransport(svc, "db-1", zerolog.Nop())

	for i := 0; i < 3; i++ {
		if err := tr.Deliver(context.Background(), testActivity()); err != nil {
			t.Fatalf("Deliver #%d: %v", i+1, err)
		}
	}
	if svc.created != 1 {
		t.Errorf("pages created = %d, want 1", svc.created)
	}
}

func TestDeliverErrors(t *testing.T) {
	boom := errors.New("rate limited")
	for name, svc := range map[string]*fakeService{
		"query fails":  {queryErr: boom},
		"create fails": {createErr: boom},
	} {
		t.Run(name, func(t *testing.T) {
			err := NewTransport(svc, "db-1", zerolog.Nop()).Deliver(context.Background(), testActivity())
			if !errors.Is(err, boom) {
				t.Errorf("err = %v, want %v", err, boom)
			}
		})
	}
}

func TestActivityProperties(t *testing.T) {
	props := ActivityProperties(testActivity())

	title, ok := props[PropSummary].(notionapi.TitleProperty)
	if !ok || len(title.Title) != 1 {
		t.Fatalf("summary = %#v", props[PropSummary])
	}
	if got := title.Title[0].Text.Content; got != "Invoice INV-0007 paid: 540.00 USD" {
		t.Errorf("summary = %q", got)
	}
	if typ := props[PropType].(notionapi.SelectProperty); typ.Select.Name != "invoice_paid" {
		t.Errorf("type = %q", typ.Select.Name)
	}
	details := props[PropDetails].(notionapi.RichTextProperty)
	if !strings.Contains(details.RichText[0].Text.Content, "invoice_number=INV-0007") {
		t.Errorf("details = %q", details.RichText[0].Text.Content)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo", 2); got != "hé" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("ok", 10); got != "ok" {
		t.Errorf("truncate = %q", got)
	}
}
