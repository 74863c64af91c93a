package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Credentials carries the per-session identity attached to every incident
// API call.
type Credentials struct {
	// Token is the session's JWT, sent as a bearer credential.
	Token string

	// OrgID and ProjectID are mirrored as X-Org-ID / X-Project-ID headers.
	OrgID     string
	ProjectID string
}

// IncidentClient talks to the incident management API on behalf of one
// session.
type IncidentClient struct {
	baseURL    string
	mu         sync.RWMutex
	creds      Credentials
	httpClient *http.Client
}

// NewIncidentClient creates a client bound to one session's credentials.
func NewIncidentClient(baseURL string, creds Credentials) *IncidentClient {
	return &IncidentClient{
		baseURL: baseURL,
		creds:   creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// get performs a GET and returns the raw body with the status code.
func (c *IncidentClient) get(ctx context.Context, path string, query url.Values) (string, int, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	return c.do(req)
}

// post performs a POST with a JSON body and returns the raw response body.
func (c *IncidentClient) post(ctx context.Context, path string, body any) (string, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", 0, fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// SetScope updates the org/project headers for subsequent calls. Chat
// frames may move the session to a different project mid-conversation.
func (c *IncidentClient) SetScope(orgID, projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if orgID != "" {
		c.creds.OrgID = orgID
	}
	if projectID != "" {
		c.creds.ProjectID = projectID
	}
}

func (c *IncidentClient) do(req *http.Request) (string, int, error) {
	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()

	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("X-Org-ID", creds.OrgID)
	req.Header.Set("X-Project-ID", creds.ProjectID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return string(body), resp.StatusCode, nil
}

// errorResult wraps a failure into the JSON error shape the model sees.
func errorResult(format string, args ...any) *Result {
	msg, _ := json.Marshal(map[string]string{"error": fmt.Sprintf(format, args...)})
	return &Result{Content: string(msg), IsError: true}
}

// RegisterIncidentTools registers the five incident tools against a client.
func RegisterIncidentTools(registry *Registry, client *IncidentClient) {
	registry.Register(&GetIncidentsTool{client: client})
	registry.Register(&GetIncidentDetailsTool{client: client})
	registry.Register(&GetIncidentStatsTool{client: client})
	registry.Register(&AcknowledgeIncidentTool{client: client})
	registry.Register(&ResolveIncidentTool{client: client})
}

// GetIncidentsTool lists incidents with optional filters.
type GetIncidentsTool struct {
	client *IncidentClient
}

func (t *GetIncidentsTool) Name() string { return "get_incidents" }

func (t *GetIncidentsTool) Description() string {
	return "List incidents. Can filter by status and severity, and limit the number of results."
}

func (t *GetIncidentsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"limit": {
				"type": "integer",
				"description": "Maximum number of incidents to return (default 10)"
			},
			"status": {
				"type": "string",
				"description": "Filter by status",
				"enum": ["open", "acknowledged", "resolved"]
			},
			"severity": {
				"type": "string",
				"description": "Filter by severity",
				"enum": ["critical", "high", "medium", "low"]
			}
		}
	}`)
}

func (t *GetIncidentsTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Limit    int    `json:"limit"`
		Status   string `json:"status"`
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}

	query := url.Values{}
	if input.Limit > 0 {
		query.Set("limit", strconv.Itoa(input.Limit))
	}
	if input.Status != "" {
		query.Set("status", input.Status)
	}
	if input.Severity != "" {
		query.Set("severity", input.Severity)
	}

	body, status, err := t.client.get(ctx, "/incidents", query)
	if err != nil {
		return errorResult("failed to fetch incidents: %v", err), nil
	}
	if status < 200 || status >= 300 {
		return errorResult("incident API returned %d: %s", status, body), nil
	}
	return &Result{Content: body}, nil
}

// GetIncidentDetailsTool fetches one incident by id.
type GetIncidentDetailsTool struct {
	client *IncidentClient
}

func (t *GetIncidentDetailsTool) Name() string { return "get_incident_details" }

func (t *GetIncidentDetailsTool) Description() string {
	return "Get full details of a specific incident by its id."
}

func (t *GetIncidentDetailsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"incident_id": {
				"type": "string",
				"format": "uuid",
				"description": "The incident id"
			}
		},
		"required": ["incident_id"]
	}`)
}

func (t *GetIncidentDetailsTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		IncidentID string `json:"incident_id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}
	if input.IncidentID == "" {
		return errorResult("incident_id is required"), nil
	}

	body, status, err := t.client.get(ctx, "/incidents/"+url.PathEscape(input.IncidentID), nil)
	if err != nil {
		return errorResult("failed to fetch incident: %v", err), nil
	}
	if status < 200 || status >= 300 {
		return errorResult("incident API returned %d: %s", status, body), nil
	}
	return &Result{Content: body}, nil
}

// GetIncidentStatsTool returns aggregate incident counts. When the stats
// endpoint is unavailable it falls back to listing recent incidents and
// aggregating locally.
type GetIncidentStatsTool struct {
	client *IncidentClient
}

func (t *GetIncidentStatsTool) Name() string { return "get_incident_stats" }

func (t *GetIncidentStatsTool) Description() string {
	return "Get aggregate incident statistics, optionally scoped to a time range."
}

func (t *GetIncidentStatsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"time_range": {
				"type": "string",
				"description": "Time range to aggregate over",
				"enum": ["24h", "7d", "30d"]
			}
		}
	}`)
}

func (t *GetIncidentStatsTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		TimeRange string `json:"time_range"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}

	query := url.Values{}
	if input.TimeRange != "" {
		query.Set("range", input.TimeRange)
	}
	body, status, err := t.client.get(ctx, "/incidents/stats", query)
	if err == nil && status >= 200 && status < 300 {
		return &Result{Content: body}, nil
	}

	// Stats endpoint unavailable: aggregate from the incident list.
	fallbackQuery := url.Values{}
	fallbackQuery.Set("limit", "100")
	body, status, err = t.client.get(ctx, "/incidents", fallbackQuery)
	if err != nil {
		return errorResult("failed to fetch incident stats: %v", err), nil
	}
	if status < 200 || status >= 300 {
		return errorResult("incident API returned %d: %s", status, body), nil
	}

	stats, err := aggregateIncidents([]byte(body))
	if err != nil {
		return errorResult("failed to aggregate incidents: %v", err), nil
	}
	return &Result{Content: stats}, nil
}

// aggregateIncidents counts incidents by status and severity.
func aggregateIncidents(body []byte) (string, error) {
	var incidents []struct {
		Status   string `json:"status"`
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal(body, &incidents); err != nil {
		return "", fmt.Errorf("decode incident list: %w", err)
	}

	byStatus := make(map[string]int)
	bySeverity := make(map[string]int)
	for _, inc := range incidents {
		if inc.Status != "" {
			byStatus[inc.Status]++
		}
		if inc.Severity != "" {
			bySeverity[inc.Severity]++
		}
	}

	out, err := json.Marshal(map[string]any{
		"total":       len(incidents),
		"by_status":   byStatus,
		"by_severity": bySeverity,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// AcknowledgeIncidentTool marks an incident as acknowledged.
type AcknowledgeIncidentTool struct {
	client *IncidentClient
}

func (t *AcknowledgeIncidentTool) Name() string { return "acknowledge_incident" }

func (t *AcknowledgeIncidentTool) Description() string {
	return "Acknowledge an incident, optionally attaching a note."
}

func (t *AcknowledgeIncidentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"incident_id": {
				"type": "string",
				"format": "uuid",
				"description": "The incident id"
			},
			"note": {
				"type": "string",
				"description": "Optional acknowledgement note"
			}
		},
		"required": ["incident_id"]
	}`)
}

func (t *AcknowledgeIncidentTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		IncidentID string `json:"incident_id"`
		Note       string `json:"note"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}
	if input.IncidentID == "" {
		return errorResult("incident_id is required"), nil
	}

	path := "/incidents/" + url.PathEscape(input.IncidentID) + "/acknowledge"
	body, status, err := t.client.post(ctx, path, map[string]string{"note": input.Note})
	if err != nil {
		return errorResult("failed to acknowledge incident: %v", err), nil
	}
	if status < 200 || status >= 300 {
		return errorResult("incident API returned %d: %s", status, body), nil
	}
	return &Result{Content: body}, nil
}

// ResolveIncidentTool marks an incident as resolved.
type ResolveIncidentTool struct {
	client *IncidentClient
}

func (t *ResolveIncidentTool) Name() string { return "resolve_incident" }

func (t *ResolveIncidentTool) Description() string {
	return "Resolve an incident, optionally attaching a resolution summary."
}

func (t *ResolveIncidentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"incident_id": {
				"type": "string",
				"format": "uuid",
				"description": "The incident id"
			},
			"resolution": {
				"type": "string",
				"description": "Optional resolution summary"
			}
		},
		"required": ["incident_id"]
	}`)
}

func (t *ResolveIncidentTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		IncidentID string `json:"incident_id"`
		Resolution string `json:"resolution"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult("invalid parameters: %v", err), nil
	}
	if input.IncidentID == "" {
		return errorResult("incident_id is required"), nil
	}

	path := "/incidents/" + url.PathEscape(input.IncidentID) + "/resolve"
	body, status, err := t.client.post(ctx, path, map[string]string{"resolution": input.Resolution})
	if err != nil {
		return errorResult("failed to resolve incident: %v", err), nil
	}
	if status < 200 || status >= 300 {
		return errorResult("incident API returned %d: %s", status, body), nil
	}
	return &Result{Content: body}, nil
}
