package engine

import (
	"context"
	"time"

	"github.com/thisisjab/logcast/entity"
)

// Store represents the durable message log.
// Append must not return before the message is persisted; Read returns raw lines of a day in append order.
type Store interface {
	Append(ctx context.Context, msg entity.LogMessage) error
	Read(ctx context.Context, day time.Time, limit int) ([][]byte, error)
}
