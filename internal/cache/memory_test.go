package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	key := QueryKey("REMOTE_AE", "STUDY", []byte("identifier"))
	if err := c.Set(ctx, key, []byte("results"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	got, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != "results" {
		t.Errorf("payload = %q, want %q", got, "results")
	}

	ok, err := c.Exists(ctx, key)
	if err != nil || !ok {
		t.Errorf("exists = %v, %v, want true", ok, err)
	}
}

func TestMemoryCacheMissAndExpiry(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	if _, err := c.Get(ctx, "qr:missing"); err != ErrCacheMiss {
		t.Errorf("get absent key: err = %v, want ErrCacheMiss", err)
	}

	if err := c.Set(ctx, "qr:expired", []byte("x"), -time.Second); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := c.Get(ctx, "qr:expired"); err != ErrCacheMiss {
		t.Errorf("get expired key: err = %v, want ErrCacheMiss", err)
	}
	if ok, _ := c.Exists(ctx, "qr:expired"); ok {
		t.Error("expired key reported as present")
	}
}

func TestMemoryCacheClearPrefix(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	for _, key := range []string{"qr:PACS1:a", "qr:PACS1:b", "qr:PACS2:a"} {
		if err := c.Set(ctx, key, []byte("x"), time.Minute); err != nil {
			t.Fatalf("set %s failed: %v", key, err)
		}
	}

	if err := c.Clear(ctx, "qr:PACS1:*"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	if ok, _ := c.Exists(ctx, "qr:PACS1:a"); ok {
		t.Error("qr:PACS1:a survived prefix clear")
	}
	if ok, _ := c.Exists(ctx, "qr:PACS1:b"); ok {
		t.Error("qr:PACS1:b survived prefix clear")
	}
	if ok, _ := c.Exists(ctx, "qr:PACS2:a"); !ok {
		t.Error("qr:PACS2:a dropped by unrelated prefix clear")
	}
}
