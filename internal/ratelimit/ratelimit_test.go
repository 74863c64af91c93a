package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestDisabledLimiterAlwaysAllows(t *testing.T) {
	l := NewLimiter(nil, Config{Enabled: false}, nil)
	for i := 0; i < 100; i++ {
		if !l.Allow(context.Background(), "u1") {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

func TestFailOpenOnBackendOutage(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	l := NewLimiter(client, Config{Limit: 1, Window: time.Minute, Enabled: true}, nil)
	if !l.Allow(context.Background(), "u1") {
		t.Error("limiter should fail open when backend is unreachable")
	}
	if got := l.Remaining(context.Background(), "u1"); got != 1 {
		t.Errorf("remaining on outage = %d, want full limit", got)
	}
}

func TestDefaultsApplied(t *testing.T) {
	l := NewLimiter(nil, Config{Enabled: true}, nil)
	if l.config.Limit != 60 || l.config.Window != time.Minute {
		t.Errorf("defaults = %d / %v", l.config.Limit, l.config.Window)
	}
}
