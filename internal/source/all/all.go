// Package all registers every legacy source backend with the source factory.
package all

import (
	_ "legacymigrate/internal/source/mssql"
	_ "legacymigrate/internal/source/postgres"
	_ "legacymigrate/internal/source/sqlite"
)
