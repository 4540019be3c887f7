package ports

import (
	"context"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
)

// RuntimeProvisioner assigns and releases remote runtimes. Release is the
// explicit remote-teardown collaborator: removing a session record locally
// never implies it.
type RuntimeProvisioner interface {
	Assign(ctx context.Context, variant domain.Variant, accelerator string) (domain.Runtime, error)
	Release(ctx context.Context, runtimeID string) error
}
