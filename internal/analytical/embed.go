package analytical

import "embed"

// migrationFiles holds the schema migrations compiled into the binary, so
// worker and query API deployments need no external migration assets.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS
