package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/audiencekit/segment-engine/internal/platform"
	"github.com/audiencekit/segment-engine/internal/usecase"
)

type fakeClient struct {
	listOwned func(ctx context.Context, account *domain.Account) ([]platform.Segment, error)
}

func (c *fakeClient) CreateSegment(_ context.Context, _ *domain.Account, _ string, _ json.RawMessage) (string, error) {
	return "", errors.New("not implemented")
}

func (c *fakeClient) ListOwnedSegments(ctx context.Context, account *domain.Account) ([]platform.Segment, error) {
	return c.listOwned(ctx, account)
}

func TestRegisterAccount_VerifiesCredentialAndStores(t *testing.T) {
	var stored *domain.Account
	repo := &fakeAccountRepo{
		create: func(_ context.Context, a *domain.Account) (*domain.Account, error) {
			stored = a
			a.ID = "a-1"
			return a, nil
		},
	}
	client := &fakeClient{
		listOwned: func(_ context.Context, account *domain.Account) ([]platform.Segment, error) {
			if account.APIToken != "tok-123" {
				t.Errorf("verification used token %q", account.APIToken)
			}
			return nil, nil
		},
	}

	uc := usecase.NewAccountUsecase(repo, client)
	a, err := uc.RegisterAccount(context.Background(), usecase.RegisterAccountInput{
		OwnerID:     "owner-1",
		AccountRef:  "acct-1",
		APIToken:    "tok-123",
		NotifyEmail: "ops@example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID != "a-1" {
		t.Errorf("id = %q", a.ID)
	}
	if stored == nil || stored.AccountRef != "acct-1" || stored.NotifyEmail != "ops@example.com" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestRegisterAccount_RejectedCredential_Unauthorized(t *testing.T) {
	repo := &fakeAccountRepo{
		create: func(_ context.Context, _ *domain.Account) (*domain.Account, error) {
			t.Fatal("a rejected credential must not be stored")
			return nil, nil
		},
	}
	client := &fakeClient{
		listOwned: func(_ context.Context, _ *domain.Account) ([]platform.Segment, error) {
			return nil, &platform.Error{Class: platform.ClassAuth, StatusCode: 401, Message: "bad token"}
		},
	}

	_, err := usecase.NewAccountUsecase(repo, client).RegisterAccount(context.Background(), usecase.RegisterAccountInput{
		OwnerID:    "owner-1",
		AccountRef: "acct-1",
		APIToken:   "dead",
	})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("want ErrUnauthorized, got %v", err)
	}
}

func TestRegisterAccount_PlatformDown_StillStores(t *testing.T) {
	created := false
	repo := &fakeAccountRepo{
		create: func(_ context.Context, a *domain.Account) (*domain.Account, error) {
			created = true
			return a, nil
		},
	}
	client := &fakeClient{
		listOwned: func(_ context.Context, _ *domain.Account) ([]platform.Segment, error) {
			return nil, &platform.Error{Class: platform.ClassTransient, StatusCode: 503, Message: "maintenance"}
		},
	}

	if _, err := usecase.NewAccountUsecase(repo, client).RegisterAccount(context.Background(), usecase.RegisterAccountInput{
		OwnerID:    "owner-1",
		AccountRef: "acct-1",
		APIToken:   "tok",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("registration must proceed when the platform is merely down")
	}
}

func TestRegisterAccount_DuplicateRef_Propagates(t *testing.T) {
	repo := &fakeAccountRepo{
		create: func(_ context.Context, _ *domain.Account) (*domain.Account, error) {
			return nil, domain.ErrDuplicateAccount
		},
	}
	client := &fakeClient{
		listOwned: func(_ context.Context, _ *domain.Account) ([]platform.Segment, error) {
			return nil, nil
		},
	}

	_, err := usecase.NewAccountUsecase(repo, client).RegisterAccount(context.Background(), usecase.RegisterAccountInput{
		OwnerID:    "owner-1",
		AccountRef: "acct-1",
		APIToken:   "tok",
	})
	if !errors.Is(err, domain.ErrDuplicateAccount) {
		t.Errorf("want ErrDuplicateAccount, got %v", err)
	}
}
