package cli

import (
	"fmt"
	"os"

	"github.com/roach88/statesync/internal/store"
)

// openDB opens the SQLite store behind --db. mustExist guards read-only
// commands against silently creating an empty database.
func openDB(path string, mustExist bool) (*store.SQLite, error) {
	if path == "" {
		return nil, NewExitError(ExitCommandError, "--db is required")
	}
	if mustExist {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
		}
	}
	st, err := store.Open(path, store.DefaultConfig())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}
	return st, nil
}
