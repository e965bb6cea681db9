package store

import (
	"context"
	"os"
	"testing"
)

// Set PBX_TEST_DATABASE_URL to a disposable database to run these.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("PBX_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PBX_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(s.Close)

	runStoreTests(t, func(t *testing.T) Store {
		_, err := s.pool.Exec(ctx, `TRUNCATE call_tasks, queues, call_records, billing_records, extensions`)
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}
