package ports

import (
	"context"

	"torrentdeck/internal/domain"
)

// Engine is the external transfer capability owned by the session's
// EngineHandle. Implementations must be safe for concurrent use.
type Engine interface {
	// Add accepts a source URI and returns the transfer handle as soon as the
	// engine has assigned its id. Metadata resolution continues in the
	// background and is reported through Transfer.Ready.
	Add(ctx context.Context, sourceURI string) (Transfer, error)
	Get(id domain.TransferID) (Transfer, bool)
	Transfers() []Transfer
	Close() error
}

// EngineFactory constructs the engine. It is called at most once per
// successful initialization.
type EngineFactory func(ctx context.Context) (Engine, error)
