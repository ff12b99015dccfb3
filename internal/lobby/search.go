package lobby

import (
	"fmt"
	"strings"

	"github.com/ent0n29/lobbykit/internal/backend"
)

const (
	DefaultSearchResults = 10
	MaxSearchResults     = 200

	// minOverfetch is the smallest raw result count requested when results
	// are filtered on the client.
	minOverfetch = 50
)

// SearchPlanner turns SearchOptions into a backend query and filters the raw
// results.
type SearchPlanner struct {
	localUserID string
}

func NewSearchPlanner(localUserID string) SearchPlanner {
	return SearchPlanner{localUserID: localUserID}
}

// ResultCap is the number of results a search returns at most.
func (o SearchOptions) ResultCap() int {
	n := o.MaxResults
	if n <= 0 {
		n = DefaultSearchResults
	}
	return min(n, MaxSearchResults)
}

// Plan builds the backend query and the raw result count to request.
func (p SearchPlanner) Plan(opts SearchOptions) (backend.Query, int, error) {
	limit := opts.ResultCap()
	raw := limit
	if opts.clientFiltered() {
		raw = max(limit*3, minOverfetch)
	}

	if code := strings.TrimSpace(opts.JoinCode); code != "" {
		if !ValidJoinCode(code) {
			return backend.Query{}, 0, fmt.Errorf("%w: join code %q", ErrInvalidParameters, opts.JoinCode)
		}
		return backend.Query{
			Params:         []backend.Param{{Key: AttrJoinCode, Value: code, Comparator: backend.CompareEqual}},
			IncludePrivate: true,
		}, raw, nil
	}

	q := backend.Query{BucketID: opts.BucketID}
	for _, kv := range opts.Equals {
		if strings.TrimSpace(kv.Key) == "" {
			return backend.Query{}, 0, fmt.Errorf("%w: empty equality key", ErrInvalidParameters)
		}
		q.Params = append(q.Params, backend.Param{Key: kv.Key, Value: kv.Value, Comparator: backend.CompareEqual})
	}
	for _, f := range opts.Filters {
		c, ok := backendComparators[f.Comparator]
		if !ok {
			return backend.Query{}, 0, fmt.Errorf("%w: unknown comparator %q", ErrInvalidParameters, f.Comparator)
		}
		if strings.TrimSpace(f.Key) == "" {
			return backend.Query{}, 0, fmt.Errorf("%w: empty filter key", ErrInvalidParameters)
		}
		q.Params = append(q.Params, backend.Param{Key: f.Key, Value: f.Value, Comparator: c})
	}
	return q, raw, nil
}

// Apply drops ghosts, the caller's own sessions and anything excluded on the
// client, then truncates to the result cap. Exact join code lookups keep
// self-owned sessions so a host can resolve its own code.
func (p SearchPlanner) Apply(opts SearchOptions, records []backend.Record) []SessionData {
	limit := opts.ResultCap()
	exact := strings.TrimSpace(opts.JoinCode) != ""
	out := make([]SessionData, 0, min(len(records), limit))
	for _, rec := range records {
		if len(out) >= limit {
			break
		}
		d := sessionFromRecord(rec)
		if d.IsGhost() {
			continue
		}
		if !exact && p.localUserID != "" && d.OwnerID == p.localUserID {
			continue
		}
		if opts.ExcludeFull && d.IsFull() {
			continue
		}
		if opts.ExcludePassworded && d.HasPassword() {
			continue
		}
		if opts.ExcludeInProgress && d.InProgress() {
			continue
		}
		out = append(out, d)
	}
	return out
}
