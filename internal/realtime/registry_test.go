package realtime

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryRegistryKicksPreviousConnection(t *testing.T) {
	registry := NewMemoryRegistry()
	ctx := context.Background()

	previous, err := registry.Register(ctx, "u_a", "conn_1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if previous != "" {
		t.Errorf("first register: expected no previous, got %q", previous)
	}

	previous, err = registry.Register(ctx, "u_a", "conn_2")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if previous != "conn_1" {
		t.Errorf("expected previous conn_1, got %q", previous)
	}
}

func TestMemoryRegistryStaleDeregisterIsIgnored(t *testing.T) {
	registry := NewMemoryRegistry()
	ctx := context.Background()

	_, _ = registry.Register(ctx, "u_a", "conn_1")
	_, _ = registry.Register(ctx, "u_a", "conn_2")

	// The kicked connection's disconnect arrives after the new registration
	// and must not clobber it.
	removed, err := registry.Deregister(ctx, "u_a", "conn_1")
	if err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if removed {
		t.Error("stale deregister must be ignored")
	}

	removed, err = registry.Deregister(ctx, "u_a", "conn_2")
	if err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if !removed {
		t.Error("current connection deregister must remove the mapping")
	}
}

func setupRedisRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	registry, err := NewRedisRegistry("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisRegistry: %v", err)
	}
	return registry, s
}

func TestRedisRegistryRegister(t *testing.T) {
	registry, s := setupRedisRegistry(t)
	defer registry.Close()
	defer s.Close()
	ctx := context.Background()

	previous, err := registry.Register(ctx, "u_a", "conn_1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if previous != "" {
		t.Errorf("first register: expected no previous, got %q", previous)
	}

	previous, err = registry.Register(ctx, "u_a", "conn_2")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if previous != "conn_1" {
		t.Errorf("expected previous conn_1, got %q", previous)
	}
}

func TestRedisRegistryDeregisterGuard(t *testing.T) {
	registry, s := setupRedisRegistry(t)
	defer registry.Close()
	defer s.Close()
	ctx := context.Background()

	_, _ = registry.Register(ctx, "u_a", "conn_1")
	_, _ = registry.Register(ctx, "u_a", "conn_2")

	removed, err := registry.Deregister(ctx, "u_a", "conn_1")
	if err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if removed {
		t.Error("stale deregister must be ignored")
	}

	removed, err = registry.Deregister(ctx, "u_a", "conn_2")
	if err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if !removed {
		t.Error("current deregister must succeed")
	}

	// Users are independent.
	if _, err := registry.Register(ctx, "u_b", "conn_3"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	removed, err = registry.Deregister(ctx, "u_b", "conn_3")
	if err != nil || !removed {
		t.Errorf("independent user deregister: removed=%v err=%v", removed, err)
	}
}
