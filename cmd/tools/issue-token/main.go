// Command issue-token creates an API credential and records its hash in the
// accounts file. The bearer token is printed once and never stored.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"imagevault/internal/identity"
)

func main() {
	var (
		accountsPath string
		accountID    string
		displayName  string
		rotate       bool
	)

	flag.StringVar(&accountsPath, "accounts", "accounts.json", "Path to the accounts JSON file")
	flag.StringVar(&accountID, "id", "", "Account ID for the credential")
	flag.StringVar(&displayName, "name", "", "Display name for the account")
	flag.BoolVar(&rotate, "rotate", false, "Replace the secret of an existing account")
	flag.Parse()

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		fatalf("--id is required")
	}
	if strings.ContainsRune(accountID, '.') {
		fatalf("account IDs must not contain '.', it separates the ID from the secret in tokens")
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = accountID
	}

	accounts, err := loadOrInit(accountsPath)
	if err != nil {
		fatalf("load accounts: %v", err)
	}

	idx := indexOf(accounts, accountID)
	if idx >= 0 && !rotate {
		fatalf("account %s already exists, pass --rotate to replace its secret", accountID)
	}
	if idx < 0 && rotate {
		fatalf("account %s does not exist", accountID)
	}

	secret, hash, err := identity.GenerateSecret()
	if err != nil {
		fatalf("generate secret: %v", err)
	}

	account := identity.Account{ID: accountID, DisplayName: strings.TrimSpace(displayName), SecretHash: hash}
	if idx >= 0 {
		if account.DisplayName == accountID && accounts[idx].DisplayName != "" {
			account.DisplayName = accounts[idx].DisplayName
		}
		accounts[idx] = account
	} else {
		accounts = append(accounts, account)
	}

	if err := writeAccounts(accountsPath, accounts); err != nil {
		fatalf("write accounts: %v", err)
	}

	state := "created"
	if rotate {
		state = "rotated"
	}
	fmt.Printf("Account %s %s.\n", accountID, state)
	fmt.Printf("Bearer token (save it now, it is not recoverable):\n\n  %s.%s\n", accountID, secret)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func loadOrInit(path string) ([]identity.Account, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return identity.LoadAccounts(path)
}

func indexOf(accounts []identity.Account, id string) int {
	for i, account := range accounts {
		if account.ID == id {
			return i
		}
	}
	return -1
}

func writeAccounts(path string, accounts []identity.Account) error {
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
