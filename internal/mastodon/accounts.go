// Package mastodon talks to Mastodon-compatible backends: paged REST reads,
// interaction actions and the WebSocket streaming API.
package mastodon

import (
	"strings"
	"sync"
)

// Account holds the credentials for one backend.
type Account struct {
	Name        string `yaml:"name" json:"name"`
	BackendURL  string `yaml:"backend_url" json:"backend_url" validate:"required,url"`
	AccessToken string `yaml:"access_token" json:"access_token,omitempty"`
	// StreamingURL overrides the streaming base (wss://...). Empty derives
	// it from BackendURL.
	StreamingURL string `yaml:"streaming_url" json:"streaming_url,omitempty" validate:"omitempty,url"`
}

// Accounts is the shared, replaceable list of configured accounts. Order is
// significant: it defines the account (app) index.
type Accounts struct {
	mu    sync.RWMutex
	list  []Account
	byURL map[string]Account
}

// NewAccounts returns a registry holding accts.
func NewAccounts(accts []Account) *Accounts {
	a := &Accounts{}
	a.Set(accts)
	return a
}

// Set replaces the account list. Trailing slashes are trimmed from URLs and
// later duplicates of a backend are ignored.
func (a *Accounts) Set(accts []Account) {
	list := make([]Account, 0, len(accts))
	byURL := make(map[string]Account, len(accts))
	for _, acc := range accts {
		acc.BackendURL = strings.TrimRight(strings.TrimSpace(acc.BackendURL), "/")
		if acc.BackendURL == "" {
			continue
		}
		if _, dup := byURL[acc.BackendURL]; dup {
			continue
		}
		byURL[acc.BackendURL] = acc
		list = append(list, acc)
	}
	a.mu.Lock()
	a.list = list
	a.byURL = byURL
	a.mu.Unlock()
}

// Get returns the account for a backend URL.
func (a *Accounts) Get(backendURL string) (Account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acc, ok := a.byURL[backendURL]
	return acc, ok
}

// List returns a copy of the accounts in configured order.
func (a *Accounts) List() []Account {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Account(nil), a.list...)
}

// URLs returns the backend URLs in configured order.
func (a *Accounts) URLs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.list))
	for i, acc := range a.list {
		out[i] = acc.BackendURL
	}
	return out
}
