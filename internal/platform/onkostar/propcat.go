package onkostar

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/onkostar/mtbexport/internal/platform/db"
)

// ErrEntryNotFound is returned when a property catalogue has no entry for
// a code in the requested version.
var ErrEntryNotFound = errors.New("property catalogue entry not found")

// Entry is one code of a versioned Onkostar property catalogue.
type Entry struct {
	Code               string
	ShortDesc          string
	Description        string
	VersionOID         string
	VersionDescription string
}

const entryQuery = `SELECT e.code, e.shortdesc, e.description, v.oid AS version_oid, v.description AS version_description
FROM property_catalogue_version_entry e
JOIN property_catalogue_version v ON (e.property_version_id = v.id)
WHERE e.code = ? AND e.property_version_id = ?`

// Catalogue resolves property catalogue entries. Results, including misses,
// are cached for the lifetime of the catalogue and concurrent lookups of
// the same key share one query.
type Catalogue struct {
	db    db.DB
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*Entry
	queries int
}

func NewCatalogue(d db.DB) *Catalogue {
	return &Catalogue{db: d, entries: make(map[string]*Entry)}
}

// Lookup returns the entry for code in the given catalogue version.
func (c *Catalogue) Lookup(ctx context.Context, code string, version int64) (*Entry, error) {
	key := strconv.FormatInt(version, 10) + "/" + code

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return found(e, code, version)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		c.queries++
		c.mu.Unlock()

		rows, err := c.db.Query(ctx, entryQuery, code, version)
		if err != nil {
			return nil, fmt.Errorf("query property catalogue %q version %d: %w", code, version, err)
		}
		var e *Entry
		if len(rows) > 0 {
			r := rows[0]
			e = &Entry{
				Code:               text(r, "code"),
				ShortDesc:          text(r, "shortdesc"),
				Description:        text(r, "description"),
				VersionOID:         text(r, "version_oid"),
				VersionDescription: text(r, "version_description"),
			}
		}
		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return found(v.(*Entry), code, version)
}

// Queries reports how many lookups reached the database.
func (c *Catalogue) Queries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queries
}

func found(e *Entry, code string, version int64) (*Entry, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: %q version %d", ErrEntryNotFound, code, version)
	}
	return e, nil
}
