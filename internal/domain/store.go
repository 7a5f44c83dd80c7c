package domain

import "context"

// DefaultHistoryLimit is how many messages a new connection receives.
const DefaultHistoryLimit = 50

//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

// MessageLog is the append-only record of chat events.
type MessageLog interface {
	// Append stores one event and returns it with its id and timestamp.
	Append(ctx context.Context, kind Kind, content, connectionID string) (Message, error)
	// Recent returns up to limit of the newest messages, oldest first.
	Recent(ctx context.Context, limit int) ([]Message, error)
}

// BlobStore keeps uploaded files addressed by filename.
type BlobStore interface {
	Save(ctx context.Context, filename string, data []byte) error
	Read(filename string) ([]byte, error)
}
