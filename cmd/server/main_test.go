package main

import (
	"testing"
	"time"
)

func TestResolveListenAddrPrecedence(t *testing.T) {
	if got := resolveListenAddr(":9000", "development", ":9001"); got != ":9000" {
		t.Fatalf("expected flag to win, got %q", got)
	}
	if got := resolveListenAddr("", "development", ":9001"); got != ":9001" {
		t.Fatalf("expected env to win over default, got %q", got)
	}
	if got := resolveListenAddr("", "development", ""); got != ":8080" {
		t.Fatalf("expected development default, got %q", got)
	}
	if got := resolveListenAddr("", "production", ""); got != ":80" {
		t.Fatalf("expected production default, got %q", got)
	}
}

func TestResolveStorageDriver(t *testing.T) {
	driver, err := resolveStorageDriver("", "")
	if err != nil || driver != "json" {
		t.Fatalf("expected json default, got %q err=%v", driver, err)
	}
	driver, err = resolveStorageDriver("", "postgres://localhost/imagevault")
	if err != nil || driver != "postgres" {
		t.Fatalf("expected postgres when DSN present, got %q err=%v", driver, err)
	}
	driver, err = resolveStorageDriver("JSON", "postgres://localhost/imagevault")
	if err != nil || driver != "json" {
		t.Fatalf("expected explicit driver to win, got %q err=%v", driver, err)
	}
}

func TestOpenRepositoryRejectsJSONInProduction(t *testing.T) {
	_, _, err := openRepository(repositorySettings{Driver: "json", DataPath: "data/store.json", Mode: "production"})
	if err == nil {
		t.Fatal("expected production mode to reject the json driver")
	}
}

func TestBuildRendererSelection(t *testing.T) {
	if _, err := buildRenderer("", "", ""); err != nil {
		t.Fatalf("expected local renderer by default: %v", err)
	}
	if _, err := buildRenderer("http", "", ""); err == nil {
		t.Fatal("expected http renderer to require a base URL")
	}
	if _, err := buildRenderer("http", "http://render.internal:8090", "token"); err != nil {
		t.Fatalf("expected http renderer with URL: %v", err)
	}
	if _, err := buildRenderer("gpu", "", ""); err == nil {
		t.Fatal("expected unknown renderer to be rejected")
	}
}

func TestBuildSchedulerSelection(t *testing.T) {
	scheduler, err := buildScheduler(schedulerSettings{})
	if err != nil || scheduler == nil {
		t.Fatalf("expected in-process scheduler by default, err=%v", err)
	}
	if _, err := buildScheduler(schedulerSettings{Driver: "redis"}); err == nil {
		t.Fatal("expected redis scheduler to require an address")
	}
	if _, err := buildScheduler(schedulerSettings{Driver: "rabbit"}); err == nil {
		t.Fatal("expected unknown scheduler driver to be rejected")
	}
}

func TestBuildCacheSelection(t *testing.T) {
	cache, closer, err := buildCache(cacheSettings{})
	if err != nil || cache == nil {
		t.Fatalf("expected memory cache by default, err=%v", err)
	}
	if closer != nil {
		t.Fatal("memory cache needs no closer")
	}
	if _, _, err := buildCache(cacheSettings{Driver: "redis"}); err == nil {
		t.Fatal("expected redis cache to require an address")
	}
}

func TestBuildIdentityProviderRequiresSource(t *testing.T) {
	if _, _, err := buildIdentityProvider(identitySettings{}); err == nil {
		t.Fatal("expected an error without accounts or dev token")
	}
	if _, _, err := buildIdentityProvider(identitySettings{DevToken: "token", Mode: "production"}); err == nil {
		t.Fatal("expected dev tokens to be rejected in production")
	}
	provider, stop, err := buildIdentityProvider(identitySettings{DevToken: "token", Mode: "development"})
	if err != nil || provider == nil {
		t.Fatalf("expected dev provider in development, err=%v", err)
	}
	stop()
}

func TestNormalizeListenAddr(t *testing.T) {
	cases := map[string]string{
		"":              "",
		":80":           "",
		":8080":         ":8080",
		"0.0.0.0:9000":  ":9000",
		"host.internal": "",
	}
	for input, expected := range cases {
		if got := normalizeListenAddr(input); got != expected {
			t.Fatalf("normalizeListenAddr(%q) = %q, expected %q", input, got, expected)
		}
	}
}

func TestResolveDurationFallback(t *testing.T) {
	if got := resolveDuration(0, "IMAGEVAULT_UNSET_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %v", got)
	}
	if got := resolveDuration(5*time.Second, "IMAGEVAULT_UNSET_DURATION", time.Minute); got != 5*time.Second {
		t.Fatalf("expected flag precedence, got %v", got)
	}
	t.Setenv("IMAGEVAULT_TEST_DURATION", "30s")
	if got := resolveDuration(0, "IMAGEVAULT_TEST_DURATION", time.Minute); got != 30*time.Second {
		t.Fatalf("expected env value, got %v", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	origins := splitAndTrim(" https://a.example.com , ,https://b.example.com ")
	if len(origins) != 2 || origins[0] != "https://a.example.com" || origins[1] != "https://b.example.com" {
		t.Fatalf("unexpected result: %#v", origins)
	}
	if splitAndTrim("  ") != nil {
		t.Fatal("expected nil for blank input")
	}
}
