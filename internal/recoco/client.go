// Package recoco reads projects and survey answers from the Recoco API,
// the upstream source of truth for table population and refresh runs.
package recoco

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	baseURL  string
	apiToken string
	http     *http.Client
}

func NewClient(baseURL, apiToken string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// page is the DRF-style pagination envelope the Recoco API wraps every list in
type page struct {
	Count   int               `json:"count"`
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

// SurveySession is a survey session header; answers hang off the session id
type SurveySession struct {
	ID int64 `json:"id"`
}

func (c *Client) getPage(ctx context.Context, endpoint string) (page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return page{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return page{}, fmt.Errorf("recoco request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return page{}, fmt.Errorf("recoco api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed page
	if err := json.Unmarshal(body, &parsed); err != nil {
		return page{}, fmt.Errorf("failed to decode recoco response: %w", err)
	}
	return parsed, nil
}

// forEach walks a paginated listing, invoking fn per item in enumeration
// order. Pages are fetched lazily to bound memory on large listings.
func (c *Client) forEach(ctx context.Context, endpoint string, fn func(json.RawMessage) error) error {
	next := endpoint
	for next != "" {
		p, err := c.getPage(ctx, next)
		if err != nil {
			return err
		}
		for _, item := range p.Results {
			if err := fn(item); err != nil {
				return err
			}
		}
		if p.Next == nil {
			return nil
		}
		next = *p.Next
	}
	return nil
}

// ForEachProject streams every project from the API
func (c *Client) ForEachProject(ctx context.Context, fn func(json.RawMessage) error) error {
	return c.forEach(ctx, c.baseURL+"/api/projects/", fn)
}

// GetSurveySessions lists the survey sessions of a project
func (c *Client) GetSurveySessions(ctx context.Context, projectID int64) ([]SurveySession, error) {
	params := url.Values{"project": []string{fmt.Sprintf("%d", projectID)}}
	endpoint := c.baseURL + "/api/survey/sessions/?" + params.Encode()

	var sessions []SurveySession
	err := c.forEach(ctx, endpoint, func(raw json.RawMessage) error {
		var s SurveySession
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("failed to decode survey session: %w", err)
		}
		sessions = append(sessions, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// ForEachSessionAnswer streams every answer of a survey session
func (c *Client) ForEachSessionAnswer(ctx context.Context, sessionID int64, fn func(json.RawMessage) error) error {
	endpoint := fmt.Sprintf("%s/api/survey/sessions/%d/answers/", c.baseURL, sessionID)
	return c.forEach(ctx, endpoint, fn)
}
