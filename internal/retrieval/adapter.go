package retrieval

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Adapter is the single entry point the search pipeline uses for raw
// material. It deduplicates notes across keywords and memoizes POI
// lookups so repeated verification of the same venue stays cheap.
type Adapter struct {
	notes    NoteSearcher
	comments CommentFetcher
	poi      POILookup
	timeout  time.Duration
	poiCache *gocache.Cache
}

func NewAdapter(notes NoteSearcher, comments CommentFetcher, poi POILookup, timeout time.Duration) *Adapter {
	return &Adapter{
		notes:    notes,
		comments: comments,
		poi:      poi,
		timeout:  timeout,
		poiCache: gocache.New(30*time.Minute, 10*time.Minute),
	}
}

// SearchNotes runs one keyword search with the adapter timeout applied.
func (a *Adapter) SearchNotes(ctx context.Context, keyword string, limit int) ([]Note, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.notes.SearchNotes(ctx, keyword, limit)
}

// SearchNotesMulti runs several keyword searches sequentially and merges
// the results, dropping notes already seen under an earlier keyword.
func (a *Adapter) SearchNotesMulti(ctx context.Context, keywords []string, perKeyword int) ([]Note, error) {
	seen := make(map[string]struct{})
	var out []Note
	var lastErr error
	ok := false
	for _, kw := range keywords {
		notes, err := a.SearchNotes(ctx, kw, perKeyword)
		if err != nil {
			lastErr = err
			continue
		}
		ok = true
		for _, n := range notes {
			if _, dup := seen[n.ID]; dup {
				continue
			}
			seen[n.ID] = struct{}{}
			out = append(out, n)
		}
	}
	if !ok && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// FetchComments loads the comment thread under a note.
func (a *Adapter) FetchComments(ctx context.Context, noteID string, limit int) ([]Comment, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.comments.FetchComments(ctx, noteID, limit)
}

// LookupPOI resolves a venue to a map record, caching hits and misses.
func (a *Adapter) LookupPOI(ctx context.Context, name, city string) (*POI, error) {
	key := city + "|" + name
	if v, found := a.poiCache.Get(key); found {
		if v == nil {
			return nil, nil
		}
		return v.(*POI), nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	poi, err := a.poi.LookupPOI(ctx, name, city)
	if err != nil {
		return nil, err
	}
	if poi == nil {
		a.poiCache.Set(key, nil, gocache.DefaultExpiration)
		return nil, nil
	}
	a.poiCache.Set(key, poi, gocache.DefaultExpiration)
	return poi, nil
}
