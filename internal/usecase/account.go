package usecase

import (
	"context"
	"fmt"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/audiencekit/segment-engine/internal/platform"
	"github.com/audiencekit/segment-engine/internal/repository"
)

type AccountUsecase struct {
	accounts repository.AccountRepository
	client   platform.Client
}

func NewAccountUsecase(accounts repository.AccountRepository, client platform.Client) *AccountUsecase {
	return &AccountUsecase{accounts: accounts, client: client}
}

type RegisterAccountInput struct {
	OwnerID     string
	AccountRef  string
	APIToken    string
	NotifyEmail string
}

// RegisterAccount verifies the credential against the platform before
// storing it, so batches never start against a token that was dead on
// arrival.
func (u *AccountUsecase) RegisterAccount(ctx context.Context, input RegisterAccountInput) (*domain.Account, error) {
	account := &domain.Account{
		OwnerID:     input.OwnerID,
		AccountRef:  input.AccountRef,
		APIToken:    input.APIToken,
		NotifyEmail: input.NotifyEmail,
	}

	if _, err := u.client.ListOwnedSegments(ctx, account); err != nil {
		if platform.Classify(err) == platform.ClassAuth {
			return nil, domain.ErrUnauthorized
		}
		// Platform down is not a reason to reject registration.
	}

	created, err := u.accounts.Create(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return created, nil
}

func (u *AccountUsecase) ListAccounts(ctx context.Context, ownerID string) ([]*domain.Account, error) {
	accounts, err := u.accounts.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}
