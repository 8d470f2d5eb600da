// Package villagebrainsdk is a minimal Go client for the Village Brain
// mission API.
package villagebrainsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Village Brain HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api",
		Timeout:  10 * time.Second,
	}
}

// Mission represents the API mission model.
type Mission struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	RankRequirement string `json:"rankRequirement"`
	Reward          int    `json:"reward"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`

	AcceptedByNinjaName   *string `json:"acceptedByNinjaName,omitempty"`
	AcceptedByNinjaAvatar *string `json:"acceptedByNinjaAvatar,omitempty"`
}

// Ninja is the public ninja record.
type Ninja struct {
	ID               string `json:"id"`
	Username         string `json:"username"`
	Rank             string `json:"rank"`
	ExperiencePoints int    `json:"experiencePoints"`
	AvatarURL        string `json:"avatarUrl,omitempty"`
}

// Stats summarizes a ninja's assignment history.
type Stats struct {
	TotalAssignments  int `json:"totalAssignments"`
	CompletedMissions int `json:"completedMissions"`
}

// MissionList is a page of missions.
type MissionList struct {
	Total int       `json:"total"`
	Page  int       `json:"page"`
	Limit int       `json:"limit"`
	Data  []Mission `json:"data"`
}

// ListFilters narrows a mission listing.
type ListFilters struct {
	Rank   string
	Status string
	Page   int
	Limit  int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register creates a ninja account and stores the returned token on the
// client.
func (c *Client) Register(ctx context.Context, username, password, rank string) (Ninja, error) {
	body := map[string]any{"username": username, "password": password}
	if rank != "" {
		body["rank"] = rank
	}
	var resp struct {
		Token string `json:"token"`
		Ninja Ninja  `json:"ninja"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/register", body, &resp); err != nil {
		return Ninja{}, err
	}
	c.BearerToken = resp.Token
	return resp.Ninja, nil
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, username, password string) (Ninja, error) {
	var resp struct {
		Token string `json:"token"`
		Ninja Ninja  `json:"ninja"`
	}
	err := c.do(ctx, http.MethodPost, "auth/login", map[string]any{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return Ninja{}, err
	}
	c.BearerToken = resp.Token
	return resp.Ninja, nil
}

// ListMissions fetches a page of missions.
func (c *Client) ListMissions(ctx context.Context, f ListFilters) (MissionList, error) {
	q := url.Values{}
	if f.Rank != "" {
		q.Set("rank", f.Rank)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	endpoint := "missions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp MissionList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AcceptMission claims an open mission for the authenticated ninja.
func (c *Client) AcceptMission(ctx context.Context, missionID string) (Mission, error) {
	var resp struct {
		Message string  `json:"message"`
		Mission Mission `json:"mission"`
	}
	err := c.do(ctx, http.MethodPatch, c.missionPath(missionID, "accept"), nil, &resp)
	return resp.Mission, err
}

// SubmitReport completes a mission and returns the experience gained.
func (c *Client) SubmitReport(ctx context.Context, missionID, reportText, evidenceImageURL string) (int, error) {
	body := map[string]any{"reportText": reportText}
	if evidenceImageURL != "" {
		body["evidenceImageUrl"] = evidenceImageURL
	}
	var resp struct {
		Message          string `json:"message"`
		ExperienceGained int    `json:"experienceGained"`
	}
	err := c.do(ctx, http.MethodPost, c.missionPath(missionID, "report"), body, &resp)
	return resp.ExperienceGained, err
}

// AbandonMission releases an in-progress mission back to the open pool.
func (c *Client) AbandonMission(ctx context.Context, missionID string) (Mission, error) {
	var resp struct {
		Message string  `json:"message"`
		Mission Mission `json:"mission"`
	}
	err := c.do(ctx, http.MethodDelete, c.missionPath(missionID, "abandon"), nil, &resp)
	return resp.Mission, err
}

// MyStats fetches the authenticated ninja's profile and stats.
func (c *Client) MyStats(ctx context.Context) (Ninja, Stats, error) {
	var resp struct {
		Profile Ninja `json:"profile"`
		Stats   Stats `json:"stats"`
	}
	err := c.do(ctx, http.MethodGet, "ninjas/me/stats", nil, &resp)
	return resp.Profile, resp.Stats, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) missionPath(id, action string) string {
	return fmt.Sprintf("missions/%s/%s", url.PathEscape(id), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
