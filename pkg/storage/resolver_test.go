package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"streamchat/pkg/domain"
)

type fakeObjects struct {
	mu      sync.Mutex
	presign map[string]int
	opts    map[string]PresignOptions
	infos   map[string]ObjectInfo
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration, opts PresignOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presign == nil {
		f.presign = map[string]int{}
		f.opts = map[string]PresignOptions{}
	}
	f.presign[key]++
	f.opts[key] = opts
	return "https://objects.local/" + key + "?sig=1", nil
}

func (f *fakeObjects) Stat(_ context.Context, key string) (ObjectInfo, error) {
	info, ok := f.infos[key]
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return info, nil
}

func TestResolverPresignsStoredAttachments(t *testing.T) {
	objects := &fakeObjects{}
	r := NewResolver(objects, time.Minute)

	in := []domain.Attachment{
		{ID: "a1", StorageKey: "uploads/a1.png", FileName: "cat.png", MimeType: "image/png"},
		{ID: "a2", URL: "https://cdn.example/a2.pdf"},
		{ID: "a3", StorageKey: "uploads/a3.png", Deleted: true},
	}
	out, err := r.Resolve(context.Background(), in)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out[0].URL != "https://objects.local/uploads/a1.png?sig=1" {
		t.Fatalf("a1 url = %q", out[0].URL)
	}
	if out[1].URL != "https://cdn.example/a2.pdf" {
		t.Fatalf("a2 url changed: %q", out[1].URL)
	}
	if out[2].URL != "" {
		t.Fatalf("deleted attachment presigned: %q", out[2].URL)
	}
	if in[0].URL != "" {
		t.Fatal("input slice was modified")
	}
	if objects.presign["uploads/a3.png"] != 0 {
		t.Fatal("deleted attachment should not be presigned")
	}
	if got := objects.opts["uploads/a1.png"]; got.FileName != "cat.png" || got.ContentType != "image/png" {
		t.Fatalf("presign options not passed through: %+v", got)
	}
}

func TestPresignParams(t *testing.T) {
	if presignParams(PresignOptions{}) != nil {
		t.Fatal("expected no overrides without options")
	}
	img := presignParams(PresignOptions{FileName: "cat.png", ContentType: "image/png"})
	if img.Get("response-content-type") != "image/png" || img.Get("response-content-disposition") != `inline; filename=cat.png` {
		t.Fatalf("unexpected image params: %v", img)
	}
	doc := presignParams(PresignOptions{FileName: "q3 report.pdf", ContentType: "application/pdf"})
	if doc.Get("response-content-disposition") != `attachment; filename="q3 report.pdf"` {
		t.Fatalf("unexpected document params: %v", doc)
	}
}

func TestResolverDescribe(t *testing.T) {
	r := NewResolver(&fakeObjects{infos: map[string]ObjectInfo{"k": {ContentType: "image/png"}}}, 0)

	got, err := r.Describe(context.Background(), domain.Attachment{StorageKey: "k"})
	if err != nil || got.MimeType != "image/png" {
		t.Fatalf("describe: %+v, %v", got, err)
	}
	if _, err := r.Describe(context.Background(), domain.Attachment{StorageKey: "missing"}); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestNilResolverPassesThrough(t *testing.T) {
	var r *Resolver
	out, err := r.Resolve(context.Background(), []domain.Attachment{{ID: "a", StorageKey: "k"}})
	if err != nil || len(out) != 1 || out[0].URL != "" {
		t.Fatalf("unexpected: %+v, %v", out, err)
	}
}
