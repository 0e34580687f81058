package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenWithDefaults(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(context.Background(), Options{Workspace: dir, LogMode: "production"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close(context.Background())

	if a.Engine.Resources == nil || a.Engine.Deployer == nil {
		t.Fatal("expected external client wired")
	}
	if a.Engine.Generator != nil {
		t.Fatal("generator must stay unset without an endpoint")
	}
	if a.Config.Sync.LockBackend != "local" {
		t.Fatalf("expected local locks, got %s", a.Config.Sync.LockBackend)
	}
	if _, err := os.Stat(filepath.Join(dir, ".caseline", "caseline.db")); err != nil {
		t.Fatalf("expected database file: %v", err)
	}
	if _, err := a.Engine.ListGrants(context.Background(), "alice"); err != nil {
		t.Fatalf("engine not usable: %v", err)
	}
}

func TestOpenReadsConfigAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CASELINE_EXTERNAL_TOKEN", "")
	os.Unsetenv("CASELINE_EXTERNAL_TOKEN")
	yml := "generation:\n  endpoint: http://127.0.0.1:9/generate\n  concurrency: 2\n"
	if err := os.WriteFile(filepath.Join(dir, "caseline.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CASELINE_EXTERNAL_TOKEN=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := Open(context.Background(), Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close(context.Background())

	if a.Engine.Generator == nil {
		t.Fatal("expected generator client")
	}
	if a.Config.Generation.Concurrency != 2 {
		t.Fatalf("expected concurrency 2, got %d", a.Config.Generation.Concurrency)
	}
	if a.Config.External.Token != "from-dotenv" {
		t.Fatalf("expected token from .env, got %q", a.Config.External.Token)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "caseline.yml"), []byte("sync:\n  lock_backend: etcd\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(context.Background(), Options{Workspace: dir}); err == nil {
		t.Fatal("expected config validation error")
	}
}

func TestOpenRedisBackendNeedsReachableServer(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CASELINE_REDIS_ADDR", "127.0.0.1:1")
	if _, err := Open(context.Background(), Options{Workspace: dir}); err == nil {
		t.Fatal("expected redis dial error")
	}
}
