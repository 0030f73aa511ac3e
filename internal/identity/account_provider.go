package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"imagevault/internal/models"
)

// Account is one API credential holder. SecretHash is the PBKDF2 encoding
// produced by HashSecret.
type Account struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	SecretHash  string `json:"secretHash"`
}

// LoadAccounts reads an accounts file, a JSON array of Account records.
func LoadAccounts(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var accounts []Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	return accounts, nil
}

// AccountProvider authenticates bearer tokens against a fixed account set.
// The account half of the token keys the lookup so only one PBKDF2 derivation
// runs per request.
type AccountProvider struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewAccountProvider indexes the accounts by ID.
func NewAccountProvider(accounts []Account) (*AccountProvider, error) {
	index := make(map[string]Account, len(accounts))
	for _, account := range accounts {
		id := strings.TrimSpace(account.ID)
		if id == "" {
			return nil, errors.New("account id is required")
		}
		if account.SecretHash == "" {
			return nil, fmt.Errorf("account %s has no secret hash", id)
		}
		if _, exists := index[id]; exists {
			return nil, fmt.Errorf("duplicate account id %s", id)
		}
		account.ID = id
		index[id] = account
	}
	return &AccountProvider{accounts: index}, nil
}

// Replace swaps the account set, for config reloads.
func (p *AccountProvider) Replace(accounts []Account) error {
	next, err := NewAccountProvider(accounts)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.accounts = next.accounts
	p.mu.Unlock()
	return nil
}

func (p *AccountProvider) Authenticate(r *http.Request) (models.User, error) {
	token, ok := BearerToken(r)
	if !ok {
		return models.User{}, ErrUnauthenticated
	}
	sep := strings.IndexByte(token, '.')
	if sep <= 0 || sep == len(token)-1 {
		return models.User{}, ErrUnauthenticated
	}
	accountID := token[:sep]
	secret := token[sep+1:]

	p.mu.RLock()
	account, ok := p.accounts[accountID]
	p.mu.RUnlock()
	if !ok {
		return models.User{}, ErrUnauthenticated
	}
	if err := verifySecret(account.SecretHash, secret); err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return models.User{}, ErrUnauthenticated
		}
		return models.User{}, err
	}
	return models.User{ID: account.ID, DisplayName: account.DisplayName}, nil
}

// StaticProvider maps plain bearer tokens straight to users. Intended for
// tests and local development only.
type StaticProvider struct {
	Tokens map[string]models.User
}

func (p *StaticProvider) Authenticate(r *http.Request) (models.User, error) {
	token, ok := BearerToken(r)
	if !ok {
		return models.User{}, ErrUnauthenticated
	}
	user, ok := p.Tokens[token]
	if !ok {
		return models.User{}, ErrUnauthenticated
	}
	return user, nil
}
