// Package tier resolves per-user entitlements from the account-tier catalog.
package tier

import (
	"context"
	"fmt"
	"sort"

	"imagevault/internal/models"
)

// Dimensions is a width/height pair. Sizes from different tiers that share
// dimensions collapse into one entry.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Label renders the canonical thumbnail label, e.g. "200x200px".
func (d Dimensions) Label() string {
	return fmt.Sprintf("%dx%dpx", d.Width, d.Height)
}

// Entitlement is the union of capabilities across every tier granted to one
// user. The zero value is the valid no-tier state: no sizes, no extras.
type Entitlement struct {
	Sizes                    []Dimensions `json:"sizes"`
	CanLinkOriginal          bool         `json:"canLinkOriginal"`
	CanGenerateExpiringLinks bool         `json:"canGenerateExpiringLinks"`
}

// CatalogSource is the slice of the repository the resolver needs.
type CatalogSource interface {
	ListAccountTiers(ctx context.Context) ([]models.AccountTier, error)
	ListThumbnailSizes(ctx context.Context) ([]models.ThumbnailSize, error)
	GrantedTierIDs(ctx context.Context, userID string) ([]string, error)
}

// Resolver computes entitlements from current catalog and grant state. It
// holds no cache: repeated calls observe whatever the catalog holds at call
// time, which keeps resolution consistent within one request.
type Resolver struct {
	catalog CatalogSource
}

// NewResolver wires the resolver to its catalog source.
func NewResolver(catalog CatalogSource) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve returns the effective entitlement for the user: the union of
// allowed sizes deduplicated by dimensions, and the OR of both capability
// flags. A user with no granted tiers resolves to the empty entitlement, not
// an error.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Entitlement, error) {
	grantedIDs, err := r.catalog.GrantedTierIDs(ctx, userID)
	if err != nil {
		return Entitlement{}, fmt.Errorf("resolve grants: %w", err)
	}
	if len(grantedIDs) == 0 {
		return Entitlement{}, nil
	}

	tiers, err := r.catalog.ListAccountTiers(ctx)
	if err != nil {
		return Entitlement{}, fmt.Errorf("resolve tiers: %w", err)
	}
	sizes, err := r.catalog.ListThumbnailSizes(ctx)
	if err != nil {
		return Entitlement{}, fmt.Errorf("resolve sizes: %w", err)
	}

	sizesByID := make(map[string]models.ThumbnailSize, len(sizes))
	for _, size := range sizes {
		sizesByID[size.ID] = size
	}
	tiersByID := make(map[string]models.AccountTier, len(tiers))
	for _, t := range tiers {
		tiersByID[t.ID] = t
	}

	var entitlement Entitlement
	seen := make(map[Dimensions]struct{})
	for _, tierID := range grantedIDs {
		granted, ok := tiersByID[tierID]
		if !ok {
			// Grant referencing a removed tier contributes nothing.
			continue
		}
		entitlement.CanLinkOriginal = entitlement.CanLinkOriginal || granted.LinkToOriginal
		entitlement.CanGenerateExpiringLinks = entitlement.CanGenerateExpiringLinks || granted.GenerateExpiringLinks
		for _, sizeID := range granted.SizeIDs {
			size, ok := sizesByID[sizeID]
			if !ok {
				continue
			}
			dims := Dimensions{Width: size.Width, Height: size.Height}
			if _, dup := seen[dims]; dup {
				continue
			}
			seen[dims] = struct{}{}
			entitlement.Sizes = append(entitlement.Sizes, dims)
		}
	}
	sort.Slice(entitlement.Sizes, func(i, j int) bool {
		if entitlement.Sizes[i].Width == entitlement.Sizes[j].Width {
			return entitlement.Sizes[i].Height < entitlement.Sizes[j].Height
		}
		return entitlement.Sizes[i].Width < entitlement.Sizes[j].Width
	})
	return entitlement, nil
}
