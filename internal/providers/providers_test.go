package providers

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisProviderConnects(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	defer mr.Close()

	client := NewRedisProvider(mr.Addr(), "", 0)
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestNewRedisProviderDefaultsAddr(t *testing.T) {
	client := NewRedisProvider("", "", 2)
	defer client.Close()
	if got := client.Options().Addr; got != "localhost:6379" {
		t.Fatalf("expected default addr, got %q", got)
	}
	if got := client.Options().DB; got != 2 {
		t.Fatalf("expected db 2, got %d", got)
	}
}
