package revisariasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Revisaria HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID           string `json:"id"`
	Typology     string `json:"typology"`
	Amount       int64  `json:"amount"`
	CurrentPhase string `json:"current_phase"`
	RiskScore    int    `json:"risk_score"`
	RiskClass    string `json:"risk_class"`
	Status       string `json:"status"`
	Version      int    `json:"version"`
}

// Opinion represents an agent opinion.
type Opinion struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	AgentID       string         `json:"agent_id"`
	Phase         string         `json:"phase"`
	Decision      string         `json:"decision"`
	Justification string         `json:"justification,omitempty"`
	Scores        map[string]any `json:"scores,omitempty"`
	SubmittedBy   string         `json:"submitted_by"`
	CreatedAt     string         `json:"created_at"`
}

// Gate represents a gate evaluation.
type Gate struct {
	ProjectID       string   `json:"project_id"`
	Phase           string   `json:"phase"`
	HardGate        bool     `json:"hard_gate"`
	Allowed         bool     `json:"allowed"`
	ClosureType     string   `json:"closure_type"`
	BlockingReasons []string `json:"blocking_reasons,omitempty"`
	HasException    bool     `json:"has_exception"`
}

// Exception represents a signed gate exception.
type Exception struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	Phase         string   `json:"phase"`
	Responsible   string   `json:"responsible"`
	Justification string   `json:"justification"`
	AcceptedRisks []string `json:"accepted_risks"`
	Signed        bool     `json:"signed"`
	CreatedAt     string   `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// HumanReview represents the review routing verdict.
type HumanReview struct {
	ProjectID string   `json:"project_id"`
	Required  bool     `json:"required"`
	Reasons   []string `json:"reasons"`
	RiskClass string   `json:"risk_class"`
}

// AdvanceResult pairs the updated project with the gate that let it through.
type AdvanceResult struct {
	Project Project `json:"project"`
	Gate    Gate    `json:"gate"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates a project at phase F0 and remembers its id on the
// client when none was set.
func (c *Client) CreateProject(ctx context.Context, typology string, amount int64, description string) (Project, error) {
	body := map[string]any{
		"typology":    typology,
		"amount":      amount,
		"description": description,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	if err == nil && c.ProjectID == "" {
		c.ProjectID = resp.ID
	}
	return resp, err
}

// GetProject fetches the project.
func (c *Client) GetProject(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// SubmitOpinion submits an agent opinion. Phase may be empty for the current
// phase.
func (c *Client) SubmitOpinion(ctx context.Context, agentID, phase, decision, justification string, scores map[string]any) (Opinion, error) {
	body := map[string]any{
		"agent_id":      agentID,
		"decision":      decision,
		"justification": justification,
	}
	if phase != "" {
		body["phase"] = phase
	}
	if len(scores) > 0 {
		body["scores"] = scores
	}
	var resp Opinion
	err := c.do(ctx, http.MethodPost, c.projectPath("opinions"), body, &resp)
	return resp, err
}

// SetDocument flags a document type as present or missing.
func (c *Client) SetDocument(ctx context.Context, docType string, present bool) error {
	body := map[string]any{"present": present}
	endpoint := c.projectPath(fmt.Sprintf("documents/%s", url.PathEscape(docType)))
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

// SatisfyChecklistItem marks a checklist item satisfied.
func (c *Client) SatisfyChecklistItem(ctx context.Context, itemID string) error {
	endpoint := c.projectPath(fmt.Sprintf("checklist/%s", url.PathEscape(itemID)))
	return c.do(ctx, http.MethodPut, endpoint, map[string]any{}, nil)
}

// Gate evaluates the current phase gate without advancing.
func (c *Client) Gate(ctx context.Context) (Gate, error) {
	var resp Gate
	err := c.do(ctx, http.MethodGet, c.projectPath("gate"), nil, &resp)
	return resp, err
}

// Advance moves the project one phase forward.
func (c *Client) Advance(ctx context.Context) (AdvanceResult, error) {
	var resp AdvanceResult
	err := c.do(ctx, http.MethodPost, c.projectPath("advance"), map[string]any{}, &resp)
	return resp, err
}

// SendBack returns the project to an earlier phase.
func (c *Client) SendBack(ctx context.Context, targetPhase, reason string) (Project, error) {
	body := map[string]any{
		"target_phase": targetPhase,
		"reason":       reason,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("send-back"), body, &resp)
	return resp, err
}

// RecordException records a signed gate exception.
func (c *Client) RecordException(ctx context.Context, phase, responsible, justification string, acceptedRisks []string) (Exception, error) {
	body := map[string]any{
		"responsible":    responsible,
		"justification":  justification,
		"accepted_risks": acceptedRisks,
	}
	if phase != "" {
		body["phase"] = phase
	}
	var resp Exception
	err := c.do(ctx, http.MethodPost, c.projectPath("exceptions"), body, &resp)
	return resp, err
}

// Review returns the human review routing verdict.
func (c *Client) Review(ctx context.Context) (HumanReview, error) {
	var resp HumanReview
	err := c.do(ctx, http.MethodGet, c.projectPath("review"), nil, &resp)
	return resp, err
}

// SetRiskScore updates the project risk score.
func (c *Client) SetRiskScore(ctx context.Context, score int) (Project, error) {
	body := map[string]any{"score": score}
	var resp struct {
		Project Project `json:"project"`
	}
	err := c.do(ctx, http.MethodPut, c.projectPath("risk"), body, &resp)
	return resp.Project, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v0/projects/%s", project)
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
