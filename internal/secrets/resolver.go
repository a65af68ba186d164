// Package secrets reads configuration secrets from Google Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
)

// Accessor is the part of *secretmanager.Client the resolver uses.
type Accessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

// Resolver turns secret references into their payloads.
type Resolver struct {
	sm        Accessor
	projectID string
}

// NewResolver wraps an accessor. projectID is used for short secret names.
func NewResolver(sm Accessor, projectID string) *Resolver {
	return &Resolver{sm: sm, projectID: strings.TrimSpace(projectID)}
}

// Dial creates a Secret Manager client and a resolver over it. The returned
// close func releases the client.
func Dial(ctx context.Context, projectID string, opts ...option.ClientOption) (*Resolver, func() error, error) {
	c, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("secretmanager.NewClient: %w", err)
	}
	return NewResolver(c, projectID), c.Close, nil
}

// VersionName expands ref into a full secret version resource name.
// Full names (projects/...) pass through; a bare name resolves to its latest version.
func (r *Resolver) VersionName(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", errors.New("secrets: empty reference")
	case strings.HasPrefix(ref, "projects/"):
		if !strings.Contains(ref, "/versions/") {
			ref += "/versions/latest"
		}
		return ref, nil
	case r.projectID == "":
		return "", fmt.Errorf("secrets: project id required for %q", ref)
	default:
		return "projects/" + r.projectID + "/secrets/" + ref + "/versions/latest", nil
	}
}

// Resolve returns the trimmed payload of the secret ref points to.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	name, err := r.VersionName(ref)
	if err != nil {
		return "", err
	}
	resp, err := r.sm.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("access %s: %w", name, err)
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secrets: empty payload (%s)", name)
	}
	v := strings.TrimSpace(string(resp.Payload.Data))
	if v == "" {
		return "", fmt.Errorf("secrets: empty payload (%s)", name)
	}
	return v, nil
}

// Value returns plain when set and otherwise resolves ref.
func (r *Resolver) Value(ctx context.Context, plain, ref string) (string, error) {
	if plain != "" {
		return plain, nil
	}
	if r == nil {
		return "", errors.New("secrets: no resolver configured")
	}
	return r.Resolve(ctx, ref)
}
