package core

import (
	"context"
	"errors"

	"github.com/JonMunkholm/trexsync/internal/catalog"
)

// ErrNoCredentials is returned by a CredentialProvider that has nothing for
// the project. Runs then proceed without the catalog.
var ErrNoCredentials = errors.New("no catalog credentials for project")

// CredentialProvider supplies catalog credentials per project.
type CredentialProvider interface {
	Credential(ctx context.Context, projectID string) (catalog.Credential, error)
}

// StaticCredentials hands the same credential to every project.
type StaticCredentials struct {
	Cred catalog.Credential
}

func (s StaticCredentials) Credential(ctx context.Context, projectID string) (catalog.Credential, error) {
	if s.Cred == nil {
		return nil, ErrNoCredentials
	}
	return s.Cred, nil
}

// Connector opens the catalog for one run. A nil Connector means runs never
// use the catalog.
type Connector func(ctx context.Context, projectID string) (catalog.Option, error)

// CatalogConnector builds a Connector that creates one client per run from
// cfg and the project's credentials.
func CatalogConnector(cfg catalog.Config, creds CredentialProvider) Connector {
	return func(ctx context.Context, projectID string) (catalog.Option, error) {
		cred, err := creds.Credential(ctx, projectID)
		if err != nil {
			return catalog.None(), err
		}
		return catalog.Some(catalog.New(cfg, cred)), nil
	}
}
