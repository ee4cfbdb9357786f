//go:build !cgo

package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"io"
)

var errNoCGO = fmt.Errorf("dolt: this binary was built without CGO support; rebuild with CGO_ENABLED=1")

// openEmbedded returns an error in non-CGO builds. Server mode does not
// need CGO.
func openEmbedded(_ context.Context, _ *Config) (*sql.DB, io.Closer, error) {
	return nil, nil, fmt.Errorf("embedded mode requires CGO: %w\n\nTo use Dolt without CGO, run a dolt sql-server and set storage.dolt.server: true", errNoCGO)
}
