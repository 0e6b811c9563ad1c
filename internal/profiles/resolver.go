package profiles

import (
	"context"
	"log"

	"github.com/npezzotti/go-jobsync/internal/cache"
	"github.com/npezzotti/go-jobsync/internal/types"
)

// Store loads a profile row.
type Store interface {
	GetProfile(ctx context.Context, userId string) (types.Profile, error)
}

// Resolver looks profiles up in the cache first and falls back to the store.
type Resolver struct {
	store Store
	cache *cache.Cache
	log   *log.Logger
}

func NewResolver(store Store, c *cache.Cache, logger *log.Logger) *Resolver {
	return &Resolver{store: store, cache: c, log: logger}
}

func cacheKey(userId string) string {
	return "profile:" + userId
}

// Lookup returns the profile of userId.
func (r *Resolver) Lookup(ctx context.Context, userId string) (types.Profile, error) {
	var p types.Profile
	found, err := r.cache.GetJSON(ctx, cacheKey(userId), &p)
	if err != nil {
		r.log.Printf("profile cache read for %q: %v", userId, err)
	}
	if found {
		return p, nil
	}

	p, err = r.store.GetProfile(ctx, userId)
	if err != nil {
		return types.Profile{}, err
	}

	if err := r.cache.SetJSON(ctx, cacheKey(userId), p); err != nil {
		r.log.Printf("profile cache write for %q: %v", userId, err)
	}
	return p, nil
}

// Resolve is Lookup that never fails: a profile that cannot be loaded is
// reported with fallback as its display name.
func (r *Resolver) Resolve(ctx context.Context, userId, fallback string) types.Profile {
	p, err := r.Lookup(ctx, userId)
	if err != nil {
		r.log.Printf("resolve profile %q: %v", userId, err)
		return types.Profile{Id: userId, DisplayName: fallback}
	}
	if p.DisplayName == "" {
		p.DisplayName = fallback
	}
	return p
}
