package storage

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"streamchat/pkg/domain"
)

const (
	defaultPresignExpiry = 15 * time.Minute
	resolveConcurrency   = 8
)

// Resolver turns stored attachment records into readable ones.
type Resolver struct {
	objects ObjectStore
	expiry  time.Duration
}

// NewResolver builds a resolver. A nil ObjectStore leaves URLs untouched.
func NewResolver(objects ObjectStore, expiry time.Duration) *Resolver {
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	return &Resolver{objects: objects, expiry: expiry}
}

// Resolve presigns a URL for every attachment that has a storage key.
// Deleted attachments are returned as-is.
func (r *Resolver) Resolve(ctx context.Context, items []domain.Attachment) ([]domain.Attachment, error) {
	out := append([]domain.Attachment(nil), items...)
	if r == nil || r.objects == nil {
		return out, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i := range out {
		if out[i].Deleted || out[i].StorageKey == "" {
			continue
		}
		g.Go(func() error {
			url, err := r.objects.PresignGet(gctx, out[i].StorageKey, r.expiry, PresignOptions{
				FileName:    out[i].FileName,
				ContentType: out[i].MimeType,
			})
			if err != nil {
				return fmt.Errorf("attachment %s: %w", out[i].ID, err)
			}
			out[i].URL = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Describe fills the mime type of a to-be-stored attachment from object
// metadata when the uploader did not supply one.
func (r *Resolver) Describe(ctx context.Context, a domain.Attachment) (domain.Attachment, error) {
	if r == nil || r.objects == nil || a.StorageKey == "" {
		return a, nil
	}
	info, err := r.objects.Stat(ctx, a.StorageKey)
	if err != nil {
		return a, err
	}
	if a.MimeType == "" {
		a.MimeType = info.ContentType
	}
	return a, nil
}
