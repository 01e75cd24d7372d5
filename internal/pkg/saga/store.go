package saga

import "context"

// Store persists saga instances. No business logic lives behind it: Insert
// fails on an existing ID, Save replaces the whole record.
type Store interface {
	Insert(ctx context.Context, instance *Instance) error
	FindByID(ctx context.Context, sagaID string) (*Instance, error)
	Save(ctx context.Context, instance *Instance) error
}
