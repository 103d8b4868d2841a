package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryCache_JSONRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	now := time.Date(2025, 10, 21, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	type business struct {
		Name string `json:"name"`
	}

	if err := SetJSON(ctx, c, BusinessKey("abc"), business{Name: "Don Pepe"}, time.Minute); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}

	var got business
	if err := GetJSON(ctx, c, BusinessKey("abc"), &got); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if got.Name != "Don Pepe" {
		t.Errorf("Expected Don Pepe, got %s", got.Name)
	}

	now = now.Add(2 * time.Minute)
	if err := GetJSON(ctx, c, BusinessKey("abc"), &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after expiry, got %v", err)
	}
}

func TestInMemoryCache_ExpiredReadKeepsConcurrentSet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	now := time.Date(2025, 10, 21, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "k", []byte("stale"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	now = now.Add(2 * time.Minute)

	// Refresh the key between Get's read and its eviction.
	refreshed := false
	c.now = func() time.Time {
		if !refreshed {
			refreshed = true
			if err := c.Set(ctx, "k", []byte("fresh"), time.Minute); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
		}
		return now
	}

	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for the expired read, got %v", err)
	}

	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Expected the refreshed entry to survive, got %v", err)
	}
	if string(got) != "fresh" {
		t.Errorf("Expected fresh, got %s", got)
	}
}

func TestInMemoryCache_Delete(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}
