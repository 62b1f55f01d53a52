package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/infra/storage/storagetest"
)

func TestRowMapping(t *testing.T) {
	loc := time.FixedZone("ICT", 7*3600)
	res := storagetest.Result("f1", time.Date(2026, 3, 1, 10, 0, 0, 0, loc))
	res.Status = domain.FlowStatusAborted
	res.ErrorMessage = "flow cancelled"

	row, err := toRow(res)
	if err != nil {
		t.Fatalf("toRow: %v", err)
	}
	if row.Status != "aborted" || row.ErrorMessage != "flow cancelled" {
		t.Errorf("unexpected row %+v", row)
	}
	if row.CompletedAt.Location() != time.UTC {
		t.Errorf("expected UTC timestamps, got %v", row.CompletedAt.Location())
	}

	back, err := row.toDomain()
	if err != nil {
		t.Fatalf("toDomain: %v", err)
	}
	if back.FlowID != "f1" || back.Status != domain.FlowStatusAborted || len(back.StepResults) != 1 {
		t.Errorf("unexpected result %+v", back)
	}
}

func TestRowMapping_BadPayload(t *testing.T) {
	if _, err := (resultRow{FlowID: "x", Payload: []byte("{")}).toDomain(); err == nil {
		t.Error("expected unmarshal error")
	}
}

func TestPoolUsage(t *testing.T) {
	tests := []struct {
		open, max int
		want      float64
	}{
		{5, 10, 50},
		{0, 10, 0},
		{10, 10, 100},
		{3, 0, 0},
	}
	for _, tt := range tests {
		if got := poolUsage(tt.open, tt.max); got != tt.want {
			t.Errorf("poolUsage(%d, %d) = %v, want %v", tt.open, tt.max, got, tt.want)
		}
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Error("no migrations embedded")
	}
}

// TestResultRepo runs against a real database when REFLOW_TEST_DATABASE_URL
// is set.
func TestResultRepo(t *testing.T) {
	url := os.Getenv("REFLOW_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("REFLOW_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	db, err := NewDB(ctx, Config{URL: url, Migrate: true})
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, "TRUNCATE flow_results"); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	storagetest.Run(t, NewResultRepo(db))
}
