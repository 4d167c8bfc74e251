package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hferg/suballoc/internal/accounting"
	"github.com/hferg/suballoc/internal/catalog"
	"github.com/hferg/suballoc/internal/common"
	"github.com/hferg/suballoc/internal/draft"
	"github.com/spf13/viper"
)

// newBackendClient builds the accounting client from configuration.
func newBackendClient() (*accounting.Client, error) {
	baseURL := viper.GetString("backend.url")
	if baseURL == "" {
		return nil, common.NewUserError(
			"backend URL is not configured; set backend.url in the config file or SUBALLOC_BACKEND_URL",
			common.ErrMissingConfig)
	}

	token := viper.GetString("backend.token")
	return accounting.NewClient(baseURL, token), nil
}

// openDraftStore opens the local draft database, creating it on first use.
func openDraftStore() (*draft.Store, error) {
	path := viper.GetString("database.path")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".local", "share", "suballoc", "draft.db")
	}

	store, err := draft.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open draft store: %w", err)
	}
	return store, nil
}

// loadCatalog fetches the wallet/sub-allocation snapshot for this
// invocation, the CLI equivalent of a page load.
func loadCatalog(ctx context.Context, client *accounting.Client) (*catalog.Catalog, error) {
	cat := catalog.New(client)
	if _, err := cat.Reload(ctx); err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return cat, nil
}
