package repository

import (
	"context"

	"github.com/audiencekit/segment-engine/internal/domain"
)

type AccountRepository interface {
	Create(ctx context.Context, a *domain.Account) (*domain.Account, error)
	FindByRef(ctx context.Context, accountRef string) (*domain.Account, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.Account, error)
}
