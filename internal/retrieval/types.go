// Package retrieval fetches raw review material: note search results,
// their comment threads, and map POI records for venue verification.
package retrieval

import "context"

// Note is a single review post returned by note search.
type Note struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Desc      string `json:"desc"`
	Author    string `json:"author"`
	LikeCount int    `json:"like_count"`
	URL       string `json:"url"`
	Keyword   string `json:"keyword,omitempty"`
}

// Comment is one comment under a note. IPLocation and like counts feed
// the trust scorer's identity and interaction signals.
type Comment struct {
	ID         string `json:"id"`
	NoteID     string `json:"note_id"`
	Content    string `json:"content"`
	Author     string `json:"author"`
	LikeCount  int    `json:"like_count"`
	IPLocation string `json:"ip_location"`
	SubCount   int    `json:"sub_count"`
}

// POI is a map record for a venue.
type POI struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Location string `json:"location"`
	Tel      string `json:"tel"`
	Rating   string `json:"rating"`
	Type     string `json:"type"`
}

// NoteSearcher finds review posts for a keyword.
type NoteSearcher interface {
	SearchNotes(ctx context.Context, keyword string, limit int) ([]Note, error)
}

// CommentFetcher loads the comment thread under a note.
type CommentFetcher interface {
	FetchComments(ctx context.Context, noteID string, limit int) ([]Comment, error)
}

// POILookup resolves a venue name to a map record.
type POILookup interface {
	LookupPOI(ctx context.Context, name, city string) (*POI, error)
}
