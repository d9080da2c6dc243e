// Package index retrieves raw exposure records from the external passive
// index. The index is treated as an opaque paginated data source: a request
// is a target (or saved query) plus a cursor, a response is a page of raw
// records plus the next cursor.
package index

import (
	"context"

	"github.com/sentinel-intel/sentinel/internal/model"
)

// Index is one paginated provider.
type Index interface {
	Page(ctx context.Context, target model.Target, cursor string) (Page, error)
}

// Pinger is implemented by providers able to verify connectivity and
// credentials without side effects.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Page struct {
	Records []model.RawRecord
	// Next is the opaque cursor of the following page, empty at the end
	Next  string
	Total int
}

// Done reports whether the provider signalled exhaustion.
func (p Page) Done() bool {
	return len(p.Records) == 0 || p.Next == ""
}

// Batch holds every record of one target, fetched completely.
type Batch struct {
	Target  model.Target
	Records []model.RawRecord
}
