package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tastescout/tastescout/internal/collab"
)

// NotesClient talks to the note search service over HTTP.
type NotesClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewNotesClient(endpoint, apiKey string, timeout time.Duration) *NotesClient {
	return &NotesClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SearchNotes returns up to limit notes matching keyword.
func (c *NotesClient) SearchNotes(ctx context.Context, keyword string, limit int) ([]Note, error) {
	q := url.Values{}
	q.Set("keyword", keyword)
	q.Set("limit", fmt.Sprintf("%d", limit))

	var raw struct {
		Items []struct {
			NoteID    string `json:"note_id"`
			Title     string `json:"title"`
			Desc      string `json:"desc"`
			Nickname  string `json:"nickname"`
			LikeCount int    `json:"liked_count"`
			NoteURL   string `json:"note_url"`
		} `json:"items"`
	}
	if err := c.get(ctx, "/notes/search", q, &raw); err != nil {
		return nil, err
	}

	out := make([]Note, 0, len(raw.Items))
	for i, it := range raw.Items {
		if limit > 0 && i >= limit {
			break
		}
		out = append(out, Note{
			ID:        it.NoteID,
			Title:     it.Title,
			Desc:      it.Desc,
			Author:    it.Nickname,
			LikeCount: it.LikeCount,
			URL:       it.NoteURL,
			Keyword:   keyword,
		})
	}
	return out, nil
}

// FetchComments returns up to limit comments under noteID.
func (c *NotesClient) FetchComments(ctx context.Context, noteID string, limit int) ([]Comment, error) {
	q := url.Values{}
	q.Set("note_id", noteID)
	q.Set("limit", fmt.Sprintf("%d", limit))

	var raw struct {
		Comments []struct {
			CommentID  string `json:"comment_id"`
			Content    string `json:"content"`
			Nickname   string `json:"nickname"`
			LikeCount  int    `json:"like_count"`
			IPLocation string `json:"ip_location"`
			SubCount   int    `json:"sub_comment_count"`
		} `json:"comments"`
	}
	if err := c.get(ctx, "/notes/comments", q, &raw); err != nil {
		return nil, err
	}

	out := make([]Comment, 0, len(raw.Comments))
	for i, cm := range raw.Comments {
		if limit > 0 && i >= limit {
			break
		}
		out = append(out, Comment{
			ID:         cm.CommentID,
			NoteID:     noteID,
			Content:    cm.Content,
			Author:     cm.Nickname,
			LikeCount:  cm.LikeCount,
			IPLocation: cm.IPLocation,
			SubCount:   cm.SubCount,
		})
	}
	return out, nil
}

func (c *NotesClient) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return collab.NewTransient("notes", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return collab.NewTransient("notes", fmt.Errorf("status %d", resp.StatusCode))
	default:
		return collab.NewPermanent("notes", fmt.Errorf("status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return collab.NewTransient("notes", fmt.Errorf("decode response: %w", err))
	}
	return nil
}
