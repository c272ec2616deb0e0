// Package loader registers all built-in store drivers.
// Import for side effects:
//
//	import _ "github.com/plexward/plexward-go/internal/store/loader"
package loader

import (
	_ "github.com/plexward/plexward-go/internal/store/memory"
	_ "github.com/plexward/plexward-go/internal/store/postgres"
	_ "github.com/plexward/plexward-go/internal/store/sqlite"
)
