package audit

import (
	"context"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"territoria.org/internal/access"
)

const (
	defaultNameCacheSize = 4096
	defaultNameCacheTTL  = 10 * time.Minute
)

// names resolves municipality and permission ids to display names for audit
// details. Lookups are read-only and cached.
type names struct {
	store access.Store
	munis *lru.LRU[int64, string]
	perms *lru.LRU[int64, string]
}

func newNames(store access.Store, ttl time.Duration) *names {
	if ttl <= 0 {
		ttl = defaultNameCacheTTL
	}
	return &names{
		store: store,
		munis: lru.NewLRU[int64, string](defaultNameCacheSize, nil, ttl),
		perms: lru.NewLRU[int64, string](defaultNameCacheSize, nil, ttl),
	}
}

// resolve fills the caches for the given ids, running both catalog lookups concurrently.
func (n *names) resolve(ctx context.Context, muniIDs, permIDs []int64) error {
	muniMiss := misses(n.munis, muniIDs)
	permMiss := misses(n.perms, permIDs)
	if len(muniMiss) == 0 && len(permMiss) == 0 {
		return nil
	}
	eg, ctx := errgroup.WithContext(ctx)
	if len(muniMiss) > 0 {
		eg.Go(func() error {
			return n.store.Snapshot(ctx, func(tx access.Tx) error {
				list, err := tx.Municipalities(ctx, muniMiss)
				if err != nil {
					return err
				}
				for _, m := range list {
					n.munis.Add(m.ID, m.Name)
				}
				return nil
			})
		})
	}
	if len(permMiss) > 0 {
		eg.Go(func() error {
			return n.store.Snapshot(ctx, func(tx access.Tx) error {
				list, err := tx.Permissions(ctx, permMiss)
				if err != nil {
					return err
				}
				for _, p := range list {
					n.perms.Add(p.ID, p.Name)
				}
				return nil
			})
		})
	}
	return eg.Wait()
}

func misses(cache *lru.LRU[int64, string], ids []int64) []int64 {
	var out []int64
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := cache.Get(id); !ok {
			out = append(out, id)
		}
	}
	return out
}

func (n *names) municipality(id int64) string {
	if n != nil {
		if name, ok := n.munis.Get(id); ok {
			return name
		}
	}
	return "#" + strconv.FormatInt(id, 10)
}

func (n *names) permission(id int64) string {
	if n != nil {
		if name, ok := n.perms.Get(id); ok {
			return name
		}
	}
	return "#" + strconv.FormatInt(id, 10)
}

// matrixDetails renders a committed matrix event as human-readable audit details.
func (n *names) matrixDetails(ctx context.Context, evt access.Event) map[string]any {
	muniIDs := append([]int64(nil), evt.Municipalities...)
	var permIDs []int64
	for _, k := range append(append([]access.GrantKey(nil), evt.Added...), evt.Removed...) {
		muniIDs = append(muniIDs, k.MunicipalityID)
		permIDs = append(permIDs, k.PermissionID)
	}
	details := map[string]any{"op": string(evt.Op)}
	if n != nil {
		if err := n.resolve(ctx, muniIDs, permIDs); err != nil {
			details["lookup_error"] = err.Error()
		}
	}
	details["added"] = n.describe(evt.Added)
	details["removed"] = n.describe(evt.Removed)
	munis := make([]any, 0, len(evt.Municipalities))
	for _, id := range evt.Municipalities {
		munis = append(munis, n.municipality(id))
	}
	details["municipalities"] = munis
	return details
}

func (n *names) describe(keys []access.GrantKey) []any {
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{
			"municipality": n.municipality(k.MunicipalityID),
			"permission":   n.permission(k.PermissionID),
		})
	}
	return out
}
