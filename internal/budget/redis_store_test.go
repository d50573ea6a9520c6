package budget

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	store := NewRedisStore("localhost:6379", 0)
	defer store.Close()
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	day := fmt.Sprintf("test-%d", time.Now().UnixNano())
	defer store.client.Del(ctx, store.key(day))

	ok, total, err := store.Reserve(ctx, day, 600, 1000)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !ok || total != 600 {
		t.Errorf("Expected reservation of 600, got ok=%v total=%d", ok, total)
	}

	ok, total, err = store.Reserve(ctx, day, 500, 1000)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ok || total != 600 {
		t.Errorf("Expected refusal at 600, got ok=%v total=%d", ok, total)
	}

	spent, err := store.Spent(ctx, day)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if spent != 600 {
		t.Errorf("Expected spent=600, got %d", spent)
	}
}
