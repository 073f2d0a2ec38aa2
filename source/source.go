package source

import (
	"context"

	"github.com/thisisjab/logcast/entity"
)

// Follower streams stored messages as they are appended.
type Follower interface {
	Follow(ctx context.Context, out chan<- entity.LogMessage) error
}
