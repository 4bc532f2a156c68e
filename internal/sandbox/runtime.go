package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/BaSui01/toolguard/types"
)

// ErrImageNotFound is returned by Runtime.ImageDigest when the image is not
// present locally.
var ErrImageNotFound = errors.New("image not found locally")

// Runtime is the container engine the Manager drives. Implementations must
// never pass arguments through a shell.
type Runtime interface {
	// Ping checks that the runtime is reachable.
	Ping(ctx context.Context) error
	// ImageDigest returns the content digest of the local copy of image.
	ImageDigest(ctx context.Context, image types.ImageRef) (string, error)
	PullImage(ctx context.Context, image types.ImageRef) error
	// CreateNetwork creates the per-run network for a bridged spec and
	// restricts its egress to spec.Egress. It returns the network name.
	CreateNetwork(ctx context.Context, spec *Spec) (string, error)
	// RemoveNetwork undoes CreateNetwork. A network that does not exist is
	// not an error.
	RemoveNetwork(ctx context.Context, spec *Spec) error
	Create(ctx context.Context, spec *Spec) (string, error)
	// Start runs the container to completion, streaming combined output to w.
	Start(ctx context.Context, id string, w io.Writer) (int, error)
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	// CopyFrom returns a tar stream of path inside the container.
	CopyFrom(ctx context.Context, id, path string) (io.ReadCloser, error)
	RemoveImage(ctx context.Context, image types.ImageRef) error
}
