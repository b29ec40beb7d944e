package core

import "context"

// ShutdownFunc releases one resource during graceful shutdown. ctx expires
// when the shutdown deadline passes; a handler that outlives it is abandoned.
// Handlers may run after a partial startup, so they must tolerate resources
// that were never opened.
type ShutdownFunc func(ctx context.Context) error
