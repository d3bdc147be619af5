package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/audiencekit/segment-engine/internal/domain"
	"github.com/audiencekit/segment-engine/internal/platform"
	"github.com/audiencekit/segment-engine/internal/segmentcache"
)

// Decorative pieces the platform UI appends to segment names. Stripped before
// comparison so a resumed batch recognizes its own earlier creations.
const (
	brandingSuffix  = " | audiencekit"
	exclusionMarker = "(exclusion)"
)

// Reconciler keeps a best-effort snapshot of segments that already exist on
// the platform, so resumed batches skip work that already happened — in
// particular after a crash between a successful external call and the local
// commit.
type Reconciler struct {
	client platform.Client
	cache  segmentcache.Cache
	logger *slog.Logger
}

func New(client platform.Client, cache segmentcache.Cache, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		client: client,
		cache:  cache,
		logger: logger.With("component", "reconciler"),
	}
}

// Sync lists the account's owned segments and replaces the snapshot
// wholesale. On failure the previous snapshot stays in place; callers must
// tolerate staleness.
func (r *Reconciler) Sync(ctx context.Context, account *domain.Account) error {
	segments, err := r.client.ListOwnedSegments(ctx, account)
	if err != nil {
		return fmt.Errorf("list owned segments: %w", err)
	}

	entries := make(map[string]segmentcache.Entry, len(segments))
	for _, s := range segments {
		entries[NormalizeName(s.Name)] = segmentcache.Entry{
			ExternalID: s.ExternalID,
			CreatedAt:  s.CreatedAt,
		}
	}

	if err := r.cache.Replace(ctx, account.AccountRef, entries, time.Now()); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	r.logger.Info("segment snapshot synced",
		"account_ref", account.AccountRef, "segments", len(entries))
	return nil
}

// AlreadyCreated reports whether a segment with this name exists externally.
func (r *Reconciler) AlreadyCreated(ctx context.Context, accountRef, name string) (bool, error) {
	_, ok, err := r.cache.Lookup(ctx, accountRef, NormalizeName(name))
	return ok, err
}

// Lookup returns the external ID of an already-created segment.
func (r *Reconciler) Lookup(ctx context.Context, accountRef, name string) (string, bool, error) {
	e, ok, err := r.cache.Lookup(ctx, accountRef, NormalizeName(name))
	if err != nil || !ok {
		return "", false, err
	}
	return e.ExternalID, true, nil
}

// NormalizeName strips the branding suffix and the exclusion marker, then
// lowercases and trims. "VIP Buyers (Exclusion) | AudienceKit" and
// "vip buyers" compare equal.
func NormalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, brandingSuffix)
	n = strings.TrimSpace(n)
	n = strings.TrimSuffix(n, exclusionMarker)
	return strings.TrimSpace(n)
}
