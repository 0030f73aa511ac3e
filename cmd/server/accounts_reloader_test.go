package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"imagevault/internal/identity"
)

type manualTicker struct {
	ch      chan time.Time
	stopped bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.stopped = true }

type recordingReplacer struct {
	mu       sync.Mutex
	replaced [][]identity.Account
	err      error
}

func (r *recordingReplacer) Replace(accounts []identity.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaced = append(r.replaced, accounts)
	return r.err
}

func (r *recordingReplacer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replaced)
}

func writeAccountsFile(t *testing.T, accounts []identity.Account) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	data, err := json.Marshal(accounts)
	if err != nil {
		t.Fatalf("marshal accounts: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write accounts: %v", err)
	}
	return path
}

func TestAccountsReloaderReplacesOnTick(t *testing.T) {
	hash, err := identity.HashSecret("a-long-enough-secret")
	if err != nil {
		t.Fatalf("HashSecret returned error: %v", err)
	}
	path := writeAccountsFile(t, []identity.Account{{ID: "acct-1", DisplayName: "One", SecretHash: hash}})

	ticker := &manualTicker{ch: make(chan time.Time)}
	replacer := &recordingReplacer{}
	stop := startAccountsReloaderWithTicker(context.Background(), nil, replacer, path, time.Minute,
		func(time.Duration) reloadTicker { return ticker })

	ticker.ch <- time.Now()
	deadline := time.After(time.Second)
	for replacer.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected a reload after tick")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	stop()
	if !ticker.stopped {
		t.Fatal("expected ticker to be stopped")
	}
}

func TestAccountsReloaderSurvivesBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write accounts: %v", err)
	}

	ticker := &manualTicker{ch: make(chan time.Time)}
	replacer := &recordingReplacer{}
	stop := startAccountsReloaderWithTicker(context.Background(), nil, replacer, path, time.Minute,
		func(time.Duration) reloadTicker { return ticker })

	ticker.ch <- time.Now()
	ticker.ch <- time.Now()
	stop()

	if replacer.count() != 0 {
		t.Fatal("expected no replacement from an unreadable file")
	}
}

func TestAccountsReloaderDisabledWithoutInterval(t *testing.T) {
	stop := startAccountsReloader(context.Background(), nil, &recordingReplacer{}, "accounts.json", 0)
	stop()
	stop()
}
