package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ResourceProvider is a readable resource. Read is called on every resources/read request.
type ResourceProvider interface {
	Info() Resource
	Read(ctx context.Context) ([]ResourceContents, error)
}

// ResourceRegistry is a set of resources keyed by URI. Each Server owns its own registry, and
// tests can build fresh ones freely.
type ResourceRegistry struct {
	mu        sync.RWMutex
	resources map[string]ResourceProvider
	order     []string
}

// TextResource is a resource with fixed text content.
type TextResource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Text        string
}

// BinaryResource is a resource with fixed binary content, served base64 encoded.
type BinaryResource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Data        []byte
}

// FileResource serves a file from disk, read again on every request.
type FileResource struct {
	Path        string
	Name        string
	Description string
	MimeType    string
	// Binary serves the file as a base64 blob instead of text.
	Binary bool
}

// NewResourceRegistry creates an empty registry.
func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{
		resources: make(map[string]ResourceProvider),
	}
}

// Register adds r, replacing any resource with the same URI.
func (r *ResourceRegistry) Register(res ResourceProvider) {
	uri := res.Info().URI

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.resources[uri]; !ok {
		r.order = append(r.order, uri)
	}
	r.resources[uri] = res
}

// Unregister removes the resource with the given URI and reports whether it existed.
func (r *ResourceRegistry) Unregister(uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.resources[uri]; !ok {
		return false
	}
	delete(r.resources, uri)
	for i, u := range r.order {
		if u == uri {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the resource with the given URI.
func (r *ResourceRegistry) Get(uri string) (ResourceProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[uri]
	return res, ok
}

// List returns the metadata of every resource in registration order.
func (r *ResourceRegistry) List() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Resource, 0, len(r.order))
	for _, uri := range r.order {
		list = append(list, r.resources[uri].Info())
	}
	return list
}

// Len returns the number of registered resources.
func (r *ResourceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.resources)
}

// Info implements ResourceProvider.
func (t TextResource) Info() Resource {
	return Resource{URI: t.URI, Name: t.Name, Description: t.Description, MimeType: mimeOr(t.MimeType, "text/plain")}
}

// Read implements ResourceProvider.
func (t TextResource) Read(context.Context) ([]ResourceContents, error) {
	return []ResourceContents{{
		URI:      t.URI,
		MimeType: mimeOr(t.MimeType, "text/plain"),
		Text:     t.Text,
	}}, nil
}

// Info implements ResourceProvider.
func (b BinaryResource) Info() Resource {
	return Resource{URI: b.URI, Name: b.Name, Description: b.Description, MimeType: mimeOr(b.MimeType, "application/octet-stream")}
}

// Read implements ResourceProvider.
func (b BinaryResource) Read(context.Context) ([]ResourceContents, error) {
	return []ResourceContents{{
		URI:      b.URI,
		MimeType: mimeOr(b.MimeType, "application/octet-stream"),
		Blob:     base64.StdEncoding.EncodeToString(b.Data),
	}}, nil
}

// URI returns the file:// URI of the resource.
func (f FileResource) URI() string {
	abs, err := filepath.Abs(f.Path)
	if err != nil {
		abs = f.Path
	}
	return "file://" + filepath.ToSlash(abs)
}

// Info implements ResourceProvider.
func (f FileResource) Info() Resource {
	name := f.Name
	if name == "" {
		name = filepath.Base(f.Path)
	}
	return Resource{URI: f.URI(), Name: name, Description: f.Description, MimeType: f.mimeType()}
}

// Read implements ResourceProvider.
func (f FileResource) Read(context.Context) ([]ResourceContents, error) {
	bs, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", f.Path, err)
	}

	contents := ResourceContents{
		URI:      f.URI(),
		MimeType: f.mimeType(),
	}
	if f.Binary {
		contents.Blob = base64.StdEncoding.EncodeToString(bs)
	} else {
		contents.Text = string(bs)
	}
	return []ResourceContents{contents}, nil
}

func (f FileResource) mimeType() string {
	if f.Binary {
		return mimeOr(f.MimeType, "application/octet-stream")
	}
	return mimeOr(f.MimeType, "text/plain")
}

func mimeOr(mime, fallback string) string {
	if mime == "" {
		return fallback
	}
	return mime
}
