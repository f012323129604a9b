// Package all registers every target store backend with the storage factory.
package all

import (
	_ "legacymigrate/internal/storage/postgres"
	_ "legacymigrate/internal/storage/sqlite"
)
