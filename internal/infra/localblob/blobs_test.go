package localblob

import (
	"context"
	"strings"
	"testing"

	"github.com/dvloznov/teamledger/internal/domain"
)

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		dir    func(t *testing.T) string
		scheme string
	}{
		{"memory", func(*testing.T) string { return "" }, "mem://"},
		{"disk", func(t *testing.T) string { return t.TempDir() }, "file://"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.dir(t))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			uri, err := b.Put(ctx, "team-a", "in-1", "../receipt.pdf", "application/pdf", []byte("pdf"))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if !strings.HasPrefix(uri, tt.scheme) || !strings.HasSuffix(uri, "team-a/in-1/receipt.pdf") {
				t.Errorf("uri = %q", uri)
			}

			// Objects are write-once.
			again, err := b.Put(ctx, "team-a", "in-1", "receipt.pdf", "application/pdf", []byte("other"))
			if err != nil || again != uri {
				t.Fatalf("second Put = %q, %v", again, err)
			}
			data, err := b.Get(ctx, uri)
			if err != nil || string(data) != "pdf" {
				t.Errorf("Get = %q, %v", data, err)
			}

			if _, err := b.Get(ctx, strings.Replace(uri, "receipt", "missing", 1)); !domain.IsNotFound(err) {
				t.Errorf("Get missing: %v, want not found", err)
			}
			if _, err := b.Get(ctx, "gs://bucket/team-a/in-1/receipt.pdf"); !domain.IsValidation(err) {
				t.Errorf("Get foreign scheme: %v, want validation", err)
			}
		})
	}
}

func TestGetOutsideRoot(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := b.Get(context.Background(), "file:///etc/passwd"); !domain.IsValidation(err) {
		t.Errorf("Get outside root: %v, want validation", err)
	}
}
