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

// AmapClient resolves venue names to map records via the Amap place API.
type AmapClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewAmapClient(endpoint, apiKey string, timeout time.Duration) *AmapClient {
	return &AmapClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// LookupPOI returns the best place match for a venue name within a city,
// or nil when the map has no record of it.
func (c *AmapClient) LookupPOI(ctx context.Context, name, city string) (*POI, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("keywords", name)
	q.Set("offset", "1")
	if city != "" {
		q.Set("city", city)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint+"/place/text?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, collab.NewTransient("amap", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return nil, collab.NewTransient("amap", fmt.Errorf("status %d", resp.StatusCode))
		}
		return nil, collab.NewPermanent("amap", fmt.Errorf("status %d", resp.StatusCode))
	}

	var raw struct {
		Status string `json:"status"`
		Info   string `json:"info"`
		POIs   []struct {
			ID       string          `json:"id"`
			Name     string          `json:"name"`
			Address  string          `json:"address"`
			Location string          `json:"location"`
			Tel      json.RawMessage `json:"tel"`
			Type     string          `json:"type"`
			BizExt   struct {
				Rating json.RawMessage `json:"rating"`
			} `json:"biz_ext"`
		} `json:"pois"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, collab.NewTransient("amap", fmt.Errorf("decode response: %w", err))
	}
	if raw.Status != "1" {
		return nil, collab.NewPermanent("amap", fmt.Errorf("api error: %s", raw.Info))
	}
	if len(raw.POIs) == 0 {
		return nil, nil
	}

	p := raw.POIs[0]
	return &POI{
		ID:       p.ID,
		Name:     p.Name,
		Address:  p.Address,
		Location: p.Location,
		Tel:      rawString(p.Tel),
		Rating:   rawString(p.BizExt.Rating),
		Type:     p.Type,
	}, nil
}

// rawString tolerates Amap fields that arrive as either a string or an
// empty array.
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
