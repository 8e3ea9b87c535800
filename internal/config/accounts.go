package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tbourn/fedi-timeline-sync/internal/mastodon"
)

// accountsFile is the on-disk shape of ACCOUNTS_FILE:
//
//	accounts:
//	  - name: main
//	    backend_url: https://mastodon.social
//	    access_token: ${MAIN_TOKEN}
type accountsFile struct {
	Accounts []mastodon.Account `yaml:"accounts" validate:"dive"`
}

var validate = validator.New()

// LoadAccounts reads the account list from a YAML file. A missing file (or
// an empty path) yields no accounts. Access tokens may reference
// environment variables as ${NAME}.
func LoadAccounts(path string) ([]mastodon.Account, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return ParseAccounts(data)
}

// ParseAccounts decodes and validates an accounts document.
func ParseAccounts(data []byte) ([]mastodon.Account, error) {
	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	for i := range f.Accounts {
		f.Accounts[i].AccessToken = os.ExpandEnv(f.Accounts[i].AccessToken)
	}
	if err := ValidateAccounts(f.Accounts); err != nil {
		return nil, err
	}
	return f.Accounts, nil
}

// ValidateAccounts checks every account has an absolute backend URL.
func ValidateAccounts(accts []mastodon.Account) error {
	for i := range accts {
		if err := validate.Struct(accts[i]); err != nil {
			return fmt.Errorf("account %d (%s): %w", i, accts[i].Name, err)
		}
	}
	return nil
}
