package sqlite

import "github.com/relves/groupsync/internal/storage"

// Ensure GroupStore implements EventStore at compile time.
var _ storage.EventStore = (*GroupStore)(nil)
