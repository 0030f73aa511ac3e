package identity

import (
	"net/http/httptest"
	"strings"
	"testing"

	"imagevault/internal/models"
)

func TestHashSecretRoundTrip(t *testing.T) {
	hashed, err := HashSecret("hunter2hunter2")
	if err != nil {
		t.Fatalf("HashSecret returned error: %v", err)
	}
	if !strings.HasPrefix(hashed, "pbkdf2$sha256$") {
		t.Fatalf("unexpected hash format %q", hashed)
	}
	if err := verifySecret(hashed, "hunter2hunter2"); err != nil {
		t.Fatalf("verifySecret rejected matching secret: %v", err)
	}
	if err := verifySecret(hashed, "wrong"); err != ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated for wrong secret, got %v", err)
	}
}

func TestGenerateSecretVerifies(t *testing.T) {
	secret, hashed, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret returned error: %v", err)
	}
	if err := verifySecret(hashed, secret); err != nil {
		t.Fatalf("generated secret does not verify: %v", err)
	}
}

func TestAccountProviderAuthenticate(t *testing.T) {
	secret, hashed, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret returned error: %v", err)
	}
	provider, err := NewAccountProvider([]Account{{ID: "user-1", DisplayName: "Ada", SecretHash: hashed}})
	if err != nil {
		t.Fatalf("NewAccountProvider returned error: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/images", nil)
	req.Header.Set("Authorization", "Bearer user-1."+secret)
	user, err := provider.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if user.ID != "user-1" || user.DisplayName != "Ada" {
		t.Fatalf("unexpected user %+v", user)
	}

	cases := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic abc",
		"no separator":   "Bearer user-1" + secret,
		"unknown user":   "Bearer ghost." + secret,
		"wrong secret":   "Bearer user-1.nope",
	}
	for name, header := range cases {
		req := httptest.NewRequest("GET", "/api/images", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if _, err := provider.Authenticate(req); err != ErrUnauthenticated {
			t.Errorf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}
}

func TestAccountProviderRejectsBadAccounts(t *testing.T) {
	if _, err := NewAccountProvider([]Account{{ID: " ", SecretHash: "x"}}); err == nil {
		t.Fatal("expected error for blank account id")
	}
	if _, err := NewAccountProvider([]Account{{ID: "a"}}); err == nil {
		t.Fatal("expected error for missing secret hash")
	}
	if _, err := NewAccountProvider([]Account{
		{ID: "a", SecretHash: "x"},
		{ID: "a", SecretHash: "y"},
	}); err == nil {
		t.Fatal("expected error for duplicate account id")
	}
}

func TestStaticProvider(t *testing.T) {
	provider := &StaticProvider{Tokens: map[string]models.User{
		"dev-token": {ID: "dev", DisplayName: "Dev"},
	}}
	req := httptest.NewRequest("GET", "/api/images", nil)
	req.Header.Set("Authorization", "Bearer dev-token")
	user, err := provider.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if user.ID != "dev" {
		t.Fatalf("unexpected user %+v", user)
	}

	req = httptest.NewRequest("GET", "/api/images", nil)
	if _, err := provider.Authenticate(req); err != ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
