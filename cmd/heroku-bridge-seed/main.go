// Command heroku-bridge-seed loads caller credentials from a YAML
// manifest into the encrypted token store. It exists for deployments
// that provision tokens out of band instead of running the interactive
// OAuth flow.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/heroku-bridge/internal/crypto"
	"github.com/alexjbarnes/heroku-bridge/internal/tokenstore"
)

// manifest is the seed file format.
type manifest struct {
	Users []manifestUser `yaml:"users"`
}

type manifestUser struct {
	UserID       string `yaml:"user_id"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	Scope        string `yaml:"scope"`
	ExpiresIn    int    `yaml:"expires_in"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	manifestPath := flag.String("manifest", "", "path to the YAML seed manifest")
	storePath := flag.String("store", envOr("TOKEN_STORE_PATH", ""), "path to the encrypted token store")
	flag.Parse()

	if *manifestPath == "" {
		return fmt.Errorf("-manifest is required")
	}

	if *storePath == "" {
		return fmt.Errorf("-store or TOKEN_STORE_PATH is required")
	}

	key, err := resolveKey()
	if err != nil {
		return err
	}

	keys, err := crypto.NewKeyset(key)
	if err != nil {
		return fmt.Errorf("building keyset: %w", err)
	}

	data, err := os.ReadFile(*manifestPath)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}

	if len(m.Users) == 0 {
		return fmt.Errorf("manifest contains no users")
	}

	store := tokenstore.New(*storePath, keys)
	now := time.Now().UTC()

	for i, user := range m.Users {
		if user.UserID == "" || user.AccessToken == "" {
			return fmt.Errorf("entry %d: user_id and access_token are required", i+1)
		}

		rec := &tokenstore.TokenRecord{
			AccessToken:  user.AccessToken,
			TokenType:    "Bearer",
			RefreshToken: user.RefreshToken,
			Scope:        strings.Fields(user.Scope),
			ObtainedAt:   now.Format(time.RFC3339),
		}

		if user.ExpiresIn > 0 {
			rec.ExpiresAt = now.Add(time.Duration(user.ExpiresIn) * time.Second).Format(time.RFC3339)
		}

		if err := store.Put(user.UserID, rec); err != nil {
			return fmt.Errorf("storing token for %q: %w", user.UserID, err)
		}

		fmt.Printf("seeded %s\n", user.UserID)
	}

	fmt.Printf("wrote %d record(s) to %s\n", len(m.Users), *storePath)

	return nil
}

// resolveKey reads the token encryption key from the environment, the
// same way the server does: a base64 key, or a passphrase plus salt.
func resolveKey() ([]byte, error) {
	if encoded := os.Getenv("TOKEN_ENCRYPTION_KEY"); encoded != "" {
		key, err := crypto.ParseKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("parsing TOKEN_ENCRYPTION_KEY: %w", err)
		}

		return key, nil
	}

	passphrase := os.Getenv("TOKEN_ENCRYPTION_PASSPHRASE")
	if passphrase == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY or TOKEN_ENCRYPTION_PASSPHRASE is required")
	}

	key, err := crypto.DeriveKey(passphrase, os.Getenv("TOKEN_ENCRYPTION_SALT"))
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}
