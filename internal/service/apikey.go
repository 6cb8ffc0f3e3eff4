package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/cellrunner/internal/apperror"
	"github.com/sakif/cellrunner/internal/auth"
	"github.com/sakif/cellrunner/internal/model"
	"github.com/sakif/cellrunner/internal/repository"
)

const MaxKeyNameLength = 64

// APIKeyService issues and revokes API keys for machine clients.
type APIKeyService struct {
	repo   repository.APIKeyRepository
	hasher *auth.KeyHasher
	logger *slog.Logger
}

// NewAPIKeyService creates an APIKeyService.
func NewAPIKeyService(repo repository.APIKeyRepository, hasher *auth.KeyHasher, logger *slog.Logger) *APIKeyService {
	return &APIKeyService{repo: repo, hasher: hasher, logger: logger}
}

// Create stores a new key and returns it together with the plaintext token,
// which is not retrievable later.
func (s *APIKeyService) Create(ctx context.Context, name string) (*model.APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", apperror.ValidationFailed("name", "key name is required")
	}
	if len(name) > MaxKeyNameLength {
		return nil, "", apperror.ValidationFailed("name",
			fmt.Sprintf("key name must be %d characters or fewer", MaxKeyNameLength))
	}

	id, secret, token, err := auth.NewAPIKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, "", err
	}

	key := &model.APIKey{ID: id, Name: name, Hash: hash}
	if err := s.repo.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("creating api key: %w", err)
	}

	s.logger.Info("api key created", slog.String("key", id), slog.String("name", name))
	return key, token, nil
}

// List returns all keys, revoked ones included.
func (s *APIKeyService) List(ctx context.Context) ([]model.APIKey, error) {
	return s.repo.ListAPIKeys(ctx)
}

// Revoke disables a key immediately.
func (s *APIKeyService) Revoke(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperror.ValidationFailed("id", "key id is required")
	}
	if err := s.repo.RevokeAPIKey(ctx, id); err != nil {
		return err
	}
	s.logger.Info("api key revoked", slog.String("key", id))
	return nil
}
