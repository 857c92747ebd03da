// Package todoist implements the external, eventually-consistent Source
// for Todoist tasks: polled with conditional ETag requests, optionally
// pushed via webhook, and classified into the closed source.Error
// taxonomy so the cached-source wrapper's reconciliation policy applies
// uniformly.
package todoist

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/holon-app/holon/source"
	"github.com/holon-app/holon/value"
)

// Task is one Todoist task, mirroring the fields exercised by the
// "unified todo tree" end-to-end scenario (spec §8 scenario 1).
type Task struct {
	ID        string
	Content   string
	Completed bool
	Priority  int64
	DueDate   time.Time
	HasDue    bool
	ProjectID string
	ParentID  string
	HasParent bool
	Version   string
}

func Schema() value.Schema {
	return value.Schema{
		TableName: "todoist_tasks",
		Columns: []value.Column{
			{Name: "id", Type: value.TypeString, PrimaryKey: true},
			{Name: "content", Type: value.TypeString},
			{Name: "completed", Type: value.TypeBoolean},
			{Name: "priority", Type: value.TypeInteger, Indexed: true},
			{Name: "due_date", Type: value.TypeDateTime, Nullable: true, Indexed: true},
			{Name: "project_id", Type: value.TypeReference, Indexed: true},
			{Name: "parent_id", Type: value.TypeReference, Nullable: true, Indexed: true},
		},
	}
}

func Lenses() []value.Lens[Task] {
	return []value.Lens[Task]{
		value.NewSQLLens("id", "id",
			func(t Task) value.Value { return value.String(t.ID) },
			func(t Task, v value.Value) Task { t.ID, _ = v.Str(); return t }),
		value.NewSQLLens("content", "content",
			func(t Task) value.Value { return value.String(t.Content) },
			func(t Task, v value.Value) Task { t.Content, _ = v.Str(); return t }),
		value.NewSQLLens("completed", "completed",
			func(t Task) value.Value { return value.Boolean(t.Completed) },
			func(t Task, v value.Value) Task { t.Completed, _ = v.Bool(); return t }),
		value.NewSQLLens("priority", "priority",
			func(t Task) value.Value { return value.Integer(t.Priority) },
			func(t Task, v value.Value) Task { t.Priority, _ = v.Int(); return t }),
		value.NewSQLLens("due_date", "due_date",
			func(t Task) value.Value {
				if !t.HasDue {
					return value.Null()
				}
				return value.DateTime(t.DueDate)
			},
			func(t Task, v value.Value) Task {
				ts, ok := v.Time()
				t.DueDate, t.HasDue = ts, ok
				return t
			}),
		value.NewSQLLens("project_id", "project_id",
			func(t Task) value.Value { return value.Reference(t.ProjectID) },
			func(t Task, v value.Value) Task { t.ProjectID, _ = v.Str(); return t }),
		value.NewSQLLens("parent_id", "parent_id",
			func(t Task) value.Value {
				if !t.HasParent {
					return value.Null()
				}
				return value.Reference(t.ParentID)
			},
			func(t Task, v value.Value) Task {
				if v.IsNull() {
					t.HasParent = false
					return t
				}
				t.ParentID, _ = v.Str()
				t.HasParent = true
				return t
			}),
	}
}

// Client is a thin, typed wrapper over the Todoist REST API. The spec
// treats individual external-provider HTTP clients as consumed, not
// specified — this implementation exists to exercise the source
// contract end to end and is deliberately minimal.
type Client struct {
	http      *resty.Client
	apiKey    string
	webhookMu chan struct{} // simple 1-slot guard against concurrent registration
}

// NewClient builds a Todoist client from the TODOIST_API_KEY config
// value (spec §6 Environment / configuration).
func NewClient(apiKey string) *Client {
	c := resty.New().
		SetBaseURL("https://api.todoist.com/rest/v2").
		SetAuthToken(apiKey).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &Client{http: c, apiKey: apiKey, webhookMu: make(chan struct{}, 1)}
}

func (c *Client) SourceName() string { return "todoist_tasks" }
func (c *Client) IsLocal() bool      { return false }

func (c *Client) GetAll(ctx context.Context) ([]Task, error) {
	res, err := c.FetchAllWithETag(ctx, "")
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

// FetchAllWithETag implements source.ETagFetcher: a conditional GET that
// returns NotModified when the server's representation is unchanged.
func (c *Client) FetchAllWithETag(ctx context.Context, etag string) (source.FetchResult[Task], error) {
	req := c.http.R().SetContext(ctx)
	if etag != "" {
		req.SetHeader("If-None-Match", etag)
	}

	var wire []taskWire
	resp, err := req.SetResult(&wire).Get("/tasks")
	if err != nil {
		return source.FetchResult[Task]{}, source.Network(err)
	}

	switch resp.StatusCode() {
	case http.StatusNotModified:
		return source.FetchResult[Task]{NotModified: true}, nil
	case http.StatusTooManyRequests:
		return source.FetchResult[Task]{}, source.RateLimit(retryAfter(resp))
	case http.StatusUnauthorized, http.StatusForbidden:
		return source.FetchResult[Task]{}, source.PermissionDenied(fmt.Errorf("status %d", resp.StatusCode()))
	case http.StatusOK:
		items := make([]Task, len(wire))
		for i, w := range wire {
			items[i] = w.toTask()
		}
		return source.FetchResult[Task]{Items: items, ETag: resp.Header().Get("ETag")}, nil
	default:
		return source.FetchResult[Task]{}, source.Network(fmt.Errorf("unexpected status %d", resp.StatusCode()))
	}
}

func (c *Client) GetByID(ctx context.Context, id string) (Task, bool, error) {
	var w taskWire
	resp, err := c.http.R().SetContext(ctx).SetResult(&w).Get("/tasks/" + id)
	if err != nil {
		return Task{}, false, source.Network(err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Task{}, false, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return Task{}, false, classifyStatus(resp.StatusCode())
	}
	return w.toTask(), true, nil
}

func (c *Client) Insert(ctx context.Context, item Task) (string, error) {
	var w taskWire
	resp, err := c.http.R().SetContext(ctx).SetBody(fromTask(item)).SetResult(&w).Post("/tasks")
	if err != nil {
		return "", source.Network(err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", classifyStatus(resp.StatusCode())
	}
	return w.ID, nil
}

func (c *Client) Update(ctx context.Context, id string, updates source.Updates[Task]) error {
	current, ok, err := c.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return source.NotFound(nil)
	}
	next, err := updates.Apply(current)
	if err != nil {
		return err
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(fromTask(next)).Post("/tasks/" + id)
	if err != nil {
		return source.Network(err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return source.NotFound(nil)
	}
	if resp.StatusCode() == http.StatusConflict {
		return source.Conflict(resp.Header().Get("ETag"))
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return classifyStatus(resp.StatusCode())
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/tasks/" + id)
	if err != nil {
		return source.Network(err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return source.NotFound(nil)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return classifyStatus(resp.StatusCode())
	}
	return nil
}

// RegisterWebhook implements source.WebhookRegistrar.
func (c *Client) RegisterWebhook(ctx context.Context, url string) error {
	select {
	case c.webhookMu <- struct{}{}:
		defer func() { <-c.webhookMu }()
	default:
		return fmt.Errorf("todoist: webhook registration already in flight")
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(map[string]string{"callback_url": url}).Post("/webhooks")
	if err != nil {
		return source.Network(err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return classifyStatus(resp.StatusCode())
	}
	return nil
}

func classifyStatus(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return source.PermissionDenied(fmt.Errorf("status %d", status))
	case http.StatusTooManyRequests:
		return source.RateLimit(time.Second)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return source.Validation(fmt.Errorf("status %d", status))
	default:
		return source.Network(fmt.Errorf("status %d", status))
	}
}

func retryAfter(resp *resty.Response) time.Duration {
	if h := resp.Header().Get("Retry-After"); h != "" {
		if d, err := time.ParseDuration(h + "s"); err == nil {
			return d
		}
	}
	return 30 * time.Second
}

// taskWire is the Todoist REST API's wire shape; kept separate from Task
// so the domain type never depends on the provider's JSON field naming.
type taskWire struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Completed bool   `json:"is_completed"`
	Priority  int64  `json:"priority"`
	ProjectID string `json:"project_id"`
	ParentID  string `json:"parent_id"`
	Due       *struct {
		Date string `json:"date"`
	} `json:"due"`
}

func (w taskWire) toTask() Task {
	t := Task{
		ID:        w.ID,
		Content:   w.Content,
		Completed: w.Completed,
		Priority:  w.Priority,
		ProjectID: w.ProjectID,
	}
	if w.ParentID != "" {
		t.ParentID, t.HasParent = w.ParentID, true
	}
	if w.Due != nil {
		if ts, err := parseDueDate(w.Due.Date); err == nil {
			t.DueDate, t.HasDue = ts, true
		}
	}
	return t
}

// parseDueDate accepts both the API's date-only and full RFC 3339 due
// forms.
func parseDueDate(s string) (time.Time, error) {
	if ts, err := time.Parse("2006-01-02", s); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, s)
}

// formatDueDate renders a due instant back into the API's wire form:
// date-only for midnight instants, full RFC 3339 otherwise.
func formatDueDate(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}

func fromTask(t Task) taskWire {
	w := taskWire{
		ID:        t.ID,
		Content:   t.Content,
		Completed: t.Completed,
		Priority:  t.Priority,
		ProjectID: t.ProjectID,
	}
	if t.HasParent {
		w.ParentID = t.ParentID
	}
	if t.HasDue {
		w.Due = &struct {
			Date string `json:"date"`
		}{Date: formatDueDate(t.DueDate)}
	}
	return w
}
