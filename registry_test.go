package glintfetch

import (
	"context"
	"errors"
	"testing"
)

type nopHandler struct{}

func (nopHandler) Fetch(ctx context.Context, req *ResourceRequest) (*ResourceResponse, error) {
	return &ResourceResponse{StatusCode: 200}, nil
}

func TestRegistryResolveIsCaseInsensitive(t *testing.T) {
	r := NewRegistry(nil)
	r.MustRegister("https", nopHandler{})
	if _, err := r.Resolve("HTTPS"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
}

func TestRegistryUnknownScheme(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Resolve("foo")
	if err == nil {
		t.Fatal("Expected error for unknown scheme")
	}
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindUnsupported {
		t.Fatalf("Expected unsupported error, got %v", err)
	}
}

func TestRegistryAllowList(t *testing.T) {
	r := NewRegistry([]string{"https"})
	r.MustRegister("https", nopHandler{})
	r.MustRegister("ftp", nopHandler{})
	if _, err := r.Resolve("https"); err != nil {
		t.Fatalf("Allowed scheme failed: %v", err)
	}
	if _, err := r.Resolve("ftp"); KindOf(err) != KindUnsupported {
		t.Fatalf("Disabled scheme should be unsupported, got %v", err)
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register("https", nopHandler{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("https", nopHandler{}); err == nil {
		t.Fatal("Expected duplicate registration error")
	}
}
