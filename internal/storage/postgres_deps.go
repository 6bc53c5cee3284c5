package storage

// This file exists solely to pin transitive dependencies required by the pgx
// connection pool. Keeping these blank imports ensures the go tool recognises
// the dependencies when tidying modules in this repository.
import (
	_ "github.com/jackc/pgpassfile"
	_ "github.com/jackc/pgservicefile"
	_ "github.com/jackc/puddle/v2"
)
