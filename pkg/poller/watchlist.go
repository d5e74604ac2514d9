package poller

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/cases"

	"github.com/dmitrymomot/bedwatch/pkg/event"
	"github.com/dmitrymomot/bedwatch/pkg/registry"
)

// Search filter keys understood by the watchlist. Other keys only affect the signature.
const (
	FilterStatus       = "status"
	FilterMinBeds      = "min_beds"
	FilterMaxOccupancy = "max_occupancy"
	FilterAvailable    = "available"
)

type watchedSearch struct {
	query   string
	filters map[string]string
	refs    int
	last    string
}

// Watchlist tracks the saved searches clients are subscribed to.
type Watchlist struct {
	mu       sync.Mutex
	searches map[string]*watchedSearch
	limit    int
}

// NewWatchlist creates a watchlist publishing at most limit results per search.
func NewWatchlist(limit int) *Watchlist {
	if limit <= 0 {
		limit = DefaultConfig().SearchLimit
	}
	return &Watchlist{searches: make(map[string]*watchedSearch), limit: limit}
}

// Add registers a search and returns its signature. Adding the same search again
// increases its reference count.
func (w *Watchlist) Add(query string, filters map[string]string) string {
	sig := registry.SearchSignature(query, filters)

	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.searches[sig]; ok {
		s.refs++
		return sig
	}
	w.searches[sig] = &watchedSearch{query: query, filters: maps.Clone(filters), refs: 1}
	return sig
}

// Remove drops one reference to the search and forgets it after the last one.
// It reports whether the search was known.
func (w *Watchlist) Remove(signature string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.searches[signature]
	if !ok {
		return false
	}
	if s.refs--; s.refs <= 0 {
		delete(w.searches, signature)
	}
	return true
}

// Len returns the number of distinct searches.
func (w *Watchlist) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.searches)
}

// Evaluate re-runs every search against store and returns the payloads whose result set
// differs from the last evaluation. Call Commit for the ones that were published.
func (w *Watchlist) Evaluate(ctx context.Context, store SnapshotStore) ([]event.SearchResultsUpdated, error) {
	w.mu.Lock()
	pending := make(map[string]watchedSearch, len(w.searches))
	for sig, s := range w.searches {
		pending[sig] = *s
	}
	w.mu.Unlock()

	sigs := slices.Sorted(maps.Keys(pending))
	var out []event.SearchResultsUpdated
	for _, sig := range sigs {
		s := pending[sig]
		matches, err := runSearch(ctx, store, s.query, s.filters)
		if err != nil {
			return out, err
		}

		top := matches[:min(len(matches), w.limit)]
		if fingerprint(top, len(matches)) == s.last {
			continue
		}

		results := make([]event.SearchResult, 0, len(top))
		for _, m := range top {
			results = append(results, m.SearchResult())
		}
		out = append(out, event.SearchResultsUpdated{
			Query:   s.query,
			Filters: maps.Clone(s.filters),
			Results: results,
			Total:   len(matches),
		})
	}
	return out, nil
}

// Commit records p as the last published result set of its search.
func (w *Watchlist) Commit(p event.SearchResultsUpdated) {
	sig := registry.SearchSignature(p.Query, p.Filters)
	snaps := make([]Snapshot, 0, len(p.Results))
	for _, r := range p.Results {
		snaps = append(snaps, Snapshot{
			FacilityID:       r.FacilityID,
			AvailableBeds:    r.AvailableBeds,
			TotalBeds:        r.TotalBeds,
			WaitingListCount: r.WaitingListCount,
			Status:           r.Status,
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.searches[sig]; ok {
		s.last = fingerprint(snaps, p.Total)
	}
}

func fingerprint(top []Snapshot, total int) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(total))
	for _, s := range top {
		fmt.Fprintf(&b, "|%s:%d:%d:%d:%s", s.FacilityID, s.AvailableBeds, s.TotalBeds, s.WaitingListCount, s.Status)
	}
	return b.String()
}

// runSearch returns all snapshots matching query and filters, ranked by free beds,
// then occupancy, then facility ID.
func runSearch(ctx context.Context, store SnapshotStore, query string, filters map[string]string) ([]Snapshot, error) {
	var (
		minBeds      = 0
		maxOccupancy = -1.0
		status       string
	)
	for k, v := range filters {
		v = strings.TrimSpace(v)
		switch fold(k) {
		case FilterStatus:
			status = fold(v)
		case FilterMinBeds:
			if n, err := strconv.Atoi(v); err == nil && n > minBeds {
				minBeds = n
			}
		case FilterMaxOccupancy:
			if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
				maxOccupancy = f
			}
		case FilterAvailable:
			if ok, err := strconv.ParseBool(v); err == nil && ok && minBeds < 1 {
				minBeds = 1
			}
		}
	}

	var (
		candidates []Snapshot
		err        error
	)
	if maxOccupancy >= 0 && minBeds == 0 {
		candidates, err = store.ByOccupancy(ctx, maxOccupancy, 0)
	} else {
		candidates, err = store.ByAvailableBeds(ctx, minBeds, 0)
	}
	if err != nil {
		return nil, err
	}

	q := fold(strings.TrimSpace(query))
	out := make([]Snapshot, 0, len(candidates))
	for _, c := range candidates {
		if maxOccupancy >= 0 && c.OccupancyRate > maxOccupancy {
			continue
		}
		if status != "" && fold(c.Status) != status {
			continue
		}
		if q != "" && !strings.Contains(fold(c.Name), q) && !strings.Contains(fold(c.FacilityID), q) {
			continue
		}
		out = append(out, c)
	}

	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := cmp.Compare(b.AvailableBeds, a.AvailableBeds); c != 0 {
			return c
		}
		if c := cmp.Compare(a.OccupancyRate, b.OccupancyRate); c != 0 {
			return c
		}
		return cmp.Compare(a.FacilityID, b.FacilityID)
	})
	return out, nil
}

func fold(s string) string {
	return cases.Fold().String(s)
}
