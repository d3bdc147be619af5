package reconciler_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/audiencekit/segment-engine/internal/platform"
	"github.com/audiencekit/segment-engine/internal/reconciler"
	"github.com/audiencekit/segment-engine/internal/segmentcache"
)

type fakeClient struct {
	createSegment     func(ctx context.Context, account *domain.Account, name string, definition json.RawMessage) (string, error)
	listOwnedSegments func(ctx context.Context, account *domain.Account) ([]platform.Segment, error)
}

func (c *fakeClient) CreateSegment(ctx context.Context, account *domain.Account, name string, definition json.RawMessage) (string, error) {
	return c.createSegment(ctx, account, name, definition)
}

func (c *fakeClient) ListOwnedSegments(ctx context.Context, account *domain.Account) ([]platform.Segment, error) {
	return c.listOwnedSegments(ctx, account)
}

type fakeCache struct {
	replace func(ctx context.Context, accountRef string, entries map[string]segmentcache.Entry, syncedAt time.Time) error
	lookup  func(ctx context.Context, accountRef, normalizedName string) (segmentcache.Entry, bool, error)
}

func (c *fakeCache) Replace(ctx context.Context, accountRef string, entries map[string]segmentcache.Entry, syncedAt time.Time) error {
	return c.replace(ctx, accountRef, entries, syncedAt)
}

func (c *fakeCache) Lookup(ctx context.Context, accountRef, normalizedName string) (segmentcache.Entry, bool, error) {
	return c.lookup(ctx, accountRef, normalizedName)
}

func (c *fakeCache) SyncedAt(_ context.Context, _ string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (c *fakeCache) Ping(_ context.Context) error { return nil }

var testAccount = &domain.Account{ID: "a-1", AccountRef: "acct-1", APIToken: "tok"}

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"VIP Buyers", "vip buyers"},
		{"  VIP Buyers  ", "vip buyers"},
		{"VIP Buyers | AudienceKit", "vip buyers"},
		{"VIP Buyers (Exclusion)", "vip buyers"},
		{"VIP Buyers (Exclusion) | AudienceKit", "vip buyers"},
		{"vip buyers", "vip buyers"},
	}
	for _, c := range cases {
		if got := reconciler.NormalizeName(c.in); got != c.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSync_ReplacesSnapshotWithNormalizedKeys(t *testing.T) {
	var captured map[string]segmentcache.Entry

	client := &fakeClient{
		listOwnedSegments: func(_ context.Context, _ *domain.Account) ([]platform.Segment, error) {
			return []platform.Segment{
				{ExternalID: "ext-1", Name: "VIP Buyers | AudienceKit"},
				{ExternalID: "ext-2", Name: "Churned Users (Exclusion)"},
			}, nil
		},
	}
	cache := &fakeCache{
		replace: func(_ context.Context, accountRef string, entries map[string]segmentcache.Entry, _ time.Time) error {
			if accountRef != testAccount.AccountRef {
				t.Errorf("accountRef = %q", accountRef)
			}
			captured = entries
			return nil
		},
	}

	r := reconciler.New(client, cache, slog.Default())
	if err := r.Sync(context.Background(), testAccount); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(captured) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(captured))
	}
	if e := captured["vip buyers"]; e.ExternalID != "ext-1" {
		t.Errorf(`captured["vip buyers"] = %+v`, e)
	}
	if e := captured["churned users"]; e.ExternalID != "ext-2" {
		t.Errorf(`captured["churned users"] = %+v`, e)
	}
}

func TestSync_ListFails_SnapshotUntouched(t *testing.T) {
	listErr := errors.New("platform timeout")
	client := &fakeClient{
		listOwnedSegments: func(_ context.Context, _ *domain.Account) ([]platform.Segment, error) {
			return nil, listErr
		},
	}
	cache := &fakeCache{
		replace: func(_ context.Context, _ string, _ map[string]segmentcache.Entry, _ time.Time) error {
			t.Fatal("Replace must not run when the listing failed")
			return nil
		},
	}

	err := reconciler.New(client, cache, slog.Default()).Sync(context.Background(), testAccount)
	if !errors.Is(err, listErr) {
		t.Errorf("want wrapped list error, got %v", err)
	}
}

func TestLookup_NormalizesBeforeCacheRead(t *testing.T) {
	cache := &fakeCache{
		lookup: func(_ context.Context, _, normalizedName string) (segmentcache.Entry, bool, error) {
			if normalizedName != "vip buyers" {
				t.Errorf("cache queried with %q, want normalized name", normalizedName)
			}
			return segmentcache.Entry{ExternalID: "ext-9"}, true, nil
		},
	}

	r := reconciler.New(&fakeClient{}, cache, slog.Default())
	id, ok, err := r.Lookup(context.Background(), "acct-1", "  VIP Buyers | AudienceKit")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || id != "ext-9" {
		t.Errorf("Lookup = (%q, %v), want (ext-9, true)", id, ok)
	}
}

func TestAlreadyCreated_MissReturnsFalse(t *testing.T) {
	cache := &fakeCache{
		lookup: func(_ context.Context, _, _ string) (segmentcache.Entry, bool, error) {
			return segmentcache.Entry{}, false, nil
		},
	}

	r := reconciler.New(&fakeClient{}, cache, slog.Default())
	ok, err := r.AlreadyCreated(context.Background(), "acct-1", "brand new segment")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected miss")
	}
}
