package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"talk2task/domain"
	"talk2task/pipeline"
)

const idempotencyHeader = "Idempotency-Key"

// Deps are the collaborators the handlers need. Deduper may be nil.
type Deps struct {
	Pipeline    Pipeline
	Credentials Credentials
	Connector   Connector
	States      StateStore
	Auth        Authenticator
	Deduper     Deduper
	// AppBaseURL is where the OAuth callback sends the browser afterwards.
	AppBaseURL string
	Logger     *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.New()
	}
	h := &handlers{Deps: d}

	e.POST("/api/ai/process", h.authed("/api/ai/process", h.processText))
	e.GET("/api/tasks", h.authed("/api/tasks", h.listTasks))
	e.POST("/api/tasks", h.authed("/api/tasks", h.createTask))
	e.PATCH("/api/tasks/:id", h.authed("/api/tasks/:id", h.patchTask))
	e.DELETE("/api/tasks/:id", h.authed("/api/tasks/:id", h.deleteTask))
	e.POST("/api/tasks/:id/sync", h.authed("/api/tasks/:id/sync", h.syncTask))
	e.GET("/api/stats", h.authed("/api/stats", h.stats))
	e.GET("/api/integrations", h.authed("/api/integrations", h.listIntegrations))
	e.GET("/api/integrations/:platform/connect", h.authed("/api/integrations/:platform/connect", h.connect))
	e.GET("/api/integrations/:platform/callback", h.public("/api/integrations/:platform/callback", h.callback))
	e.DELETE("/api/integrations/:platform", h.authed("/api/integrations/:platform", h.disconnect))
	e.GET("/healthz", healthz)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

type handlers struct {
	Deps
}

// call is the per-request state handed to route handlers.
type call struct {
	echo.Context
	ctx     context.Context
	userID  string
	metrics *requestMetrics
	log     *log.Entry
}

// fail writes the JSON error response for err and tags the request metrics.
func (c *call) fail(stage string, err error) error {
	status := statusFor(err)
	c.metrics.Fail(stage, err)
	if status >= http.StatusInternalServerError {
		c.log.WithError(err).WithField("stage", stage).Error("request failed")
	}
	return c.JSON(status, errorBody(status, err))
}

func (h *handlers) public(route string, fn func(*call) error) echo.HandlerFunc {
	return func(ec echo.Context) error {
		c := h.begin(ec, route)
		defer func() { c.metrics.Log(ec.Response().Status) }()
		return fn(c)
	}
}

func (h *handlers) authed(route string, fn func(*call) error) echo.HandlerFunc {
	return func(ec echo.Context) error {
		c := h.begin(ec, route)
		defer func() { c.metrics.Log(ec.Response().Status) }()

		err := c.metrics.Time("auth", func() error {
			var err error
			c.userID, err = h.Auth.UserIDFromAuthHeader(c.ctx, ec.Request().Header.Get(echo.HeaderAuthorization))
			return err
		})
		if err != nil {
			return c.fail("auth", &domain.UnauthorizedError{Reason: err.Error()})
		}
		c.log = c.log.WithField("user_id", c.userID)
		return fn(c)
	}
}

func (h *handlers) begin(ec echo.Context, route string) *call {
	metrics, ctx := newRequestMetrics(ec.Request().Context(), h.Logger, route)
	ec.SetRequest(ec.Request().WithContext(ctx))
	entry := h.Logger.WithField("route", route)
	if id := requestID(ec); id != "" {
		entry = entry.WithField("request_id", id)
		metrics.Set("request_id", id)
	}
	return &call{Context: ec, ctx: ctx, metrics: metrics, log: entry}
}

func decodeBody(c *call, dst any) error {
	dec := sonic.ConfigStd.NewDecoder(c.Request().Body)
	if err := dec.Decode(dst); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "invalid json"}
	}
	return nil
}

type processRequest struct {
	Text     string `json:"text"`
	Timezone string `json:"timezone"`
	Source   string `json:"source"`
}

type processResponse struct {
	Success       bool                    `json:"success"`
	Task          domain.Task             `json:"task"`
	AIResponse    string                  `json:"ai_response"`
	Integrations  []domain.DispatchResult `json:"integrations"`
	OriginalInput string                  `json:"original_input"`
	Degraded      bool                    `json:"degraded,omitempty"`
}

func (h *handlers) processText(c *call) error {
	var req processRequest
	if err := decodeBody(c, &req); err != nil {
		return c.fail("decode", err)
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.fail("validate", &domain.ValidationError{Field: "text", Reason: "must not be empty"})
	}

	key := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
	claimed := false
	if key != "" && h.Deduper != nil {
		added, err := h.Deduper.Add(c.ctx, c.userID, key)
		switch {
		case err != nil:
			c.log.WithError(err).Warn("idempotency check unavailable")
		case !added:
			return c.fail("idempotency", errDuplicateRequest)
		default:
			claimed = true
		}
		c.metrics.Set("idempotency_key", true)
	}

	var res pipeline.Result
	err := c.metrics.Time("pipeline", func() error {
		var err error
		res, err = h.Pipeline.CreateFromText(c.ctx, c.userID, pipeline.Input{
			Text:     req.Text,
			Timezone: req.Timezone,
			Source:   domain.Source(req.Source),
		})
		return err
	})
	if err != nil {
		if claimed {
			if rerr := h.Deduper.Remove(context.WithoutCancel(c.ctx), c.userID, key); rerr != nil {
				c.log.WithError(rerr).Warn("release idempotency key")
			}
		}
		return c.fail("pipeline", err)
	}

	c.metrics.Set("integrations", len(res.Integrations))
	c.metrics.Set("degraded", res.Degraded)
	if res.Integrations == nil {
		res.Integrations = []domain.DispatchResult{}
	}
	return c.JSON(http.StatusOK, processResponse{
		Success:       true,
		Task:          res.Task,
		AIResponse:    res.AIResponse,
		Integrations:  res.Integrations,
		OriginalInput: req.Text,
		Degraded:      res.Degraded,
	})
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

func (h *handlers) listTasks(c *call) error {
	var tasks []domain.Task
	err := c.metrics.Time("fetch", func() error {
		var err error
		tasks, err = h.Pipeline.ListTasks(c.ctx, c.userID)
		return err
	})
	if err != nil {
		return c.fail("storage", err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	c.metrics.Set("tasks_returned", len(tasks))
	return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
}

type createTaskRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Priority    string  `json:"priority"`
	DueDate     *string `json:"due_date"`
	Category    string  `json:"category"`
	Source      string  `json:"source"`
}

type taskResponse struct {
	Task domain.Task `json:"task"`
}

func (h *handlers) createTask(c *call) error {
	var req createTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return c.fail("decode", err)
	}
	in := pipeline.NewTask{
		Title:       req.Title,
		Description: req.Description,
		Priority:    domain.Priority(req.Priority),
		Category:    domain.Category(req.Category),
		Source:      domain.Source(req.Source),
	}
	if req.DueDate != nil && *req.DueDate != "" {
		due, ok := domain.ParseDueDate(*req.DueDate)
		if !ok {
			return c.fail("validate", &domain.ValidationError{Field: "due_date", Reason: "must be an RFC 3339 timestamp"})
		}
		in.DueDate = &due
	}
	task, err := h.Pipeline.CreateTask(c.ctx, c.userID, in)
	if err != nil {
		return c.fail("storage", err)
	}
	return c.JSON(http.StatusCreated, taskResponse{Task: task})
}

// patchFromBody reads a partial update. An explicit null due_date clears it.
func patchFromBody(body map[string]any) (domain.TaskPatch, error) {
	var patch domain.TaskPatch
	str := func(field string) (*string, error) {
		v, ok := body[field]
		if !ok {
			return nil, nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, &domain.ValidationError{Field: field, Reason: "must be a string"}
		}
		return &s, nil
	}
	var err error
	if patch.Title, err = str("title"); err != nil {
		return patch, err
	}
	if patch.Description, err = str("description"); err != nil {
		return patch, err
	}
	p, err := str("priority")
	if err != nil {
		return patch, err
	}
	if p != nil {
		pr := domain.Priority(*p)
		patch.Priority = &pr
	}
	s, err := str("status")
	if err != nil {
		return patch, err
	}
	if s != nil {
		st := domain.Status(*s)
		patch.Status = &st
	}
	if v, ok := body["due_date"]; ok {
		switch due := v.(type) {
		case nil:
			patch.ClearDueDate = true
		case string:
			t, ok := domain.ParseDueDate(due)
			if !ok {
				return patch, &domain.ValidationError{Field: "due_date", Reason: "must be an RFC 3339 timestamp"}
			}
			patch.DueDate = &t
		default:
			return patch, &domain.ValidationError{Field: "due_date", Reason: "must be a string or null"}
		}
	}
	return patch, nil
}

func (h *handlers) patchTask(c *call) error {
	var body map[string]any
	if err := decodeBody(c, &body); err != nil {
		return c.fail("decode", err)
	}
	patch, err := patchFromBody(body)
	if err != nil {
		return c.fail("validate", err)
	}
	var change pipeline.Change
	err = c.metrics.Time("update", func() error {
		var err error
		change, err = h.Pipeline.UpdateTask(c.ctx, c.userID, c.Param("id"), patch)
		return err
	})
	if err != nil {
		return c.fail("update", err)
	}
	return c.JSON(http.StatusOK, change)
}

type deleteResponse struct {
	Deleted     bool                   `json:"deleted"`
	Integration *domain.DispatchResult `json:"integration,omitempty"`
}

func (h *handlers) deleteTask(c *call) error {
	var res *domain.DispatchResult
	err := c.metrics.Time("delete", func() error {
		var err error
		res, err = h.Pipeline.DeleteTask(c.ctx, c.userID, c.Param("id"))
		return err
	})
	if err != nil {
		return c.fail("delete", err)
	}
	return c.JSON(http.StatusOK, deleteResponse{Deleted: true, Integration: res})
}

type syncRequest struct {
	Integrations []string `json:"integrations"`
	Timezone     string   `json:"timezone"`
}

func (h *handlers) syncTask(c *call) error {
	var req syncRequest
	if err := decodeBody(c, &req); err != nil {
		return c.fail("decode", err)
	}
	if len(req.Integrations) == 0 {
		return c.fail("validate", &domain.ValidationError{Field: "integrations", Reason: "must not be empty"})
	}
	var res pipeline.Result
	err := c.metrics.Time("dispatch", func() error {
		var err error
		res, err = h.Pipeline.SyncTask(c.ctx, c.userID, c.Param("id"), req.Integrations, req.Timezone)
		return err
	})
	if err != nil {
		return c.fail("dispatch", err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handlers) stats(c *call) error {
	st, err := h.Pipeline.Stats(c.ctx, c.userID)
	if err != nil {
		return c.fail("storage", err)
	}
	return c.JSON(http.StatusOK, st)
}

type integrationView struct {
	Platform    domain.Platform `json:"platform"`
	Configured  bool            `json:"configured"`
	Connected   bool            `json:"connected"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	ConnectedAt *time.Time      `json:"connected_at,omitempty"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
}

type integrationsResponse struct {
	Integrations []integrationView `json:"integrations"`
}

func (h *handlers) listIntegrations(c *call) error {
	creds, err := h.Credentials.ListCredentials(c.ctx, c.userID)
	if err != nil {
		return c.fail("storage", err)
	}
	byPlatform := make(map[domain.Platform]domain.Credential, len(creds))
	for _, cr := range creds {
		byPlatform[cr.Platform] = cr
	}
	out := make([]integrationView, 0, len(domain.Platforms()))
	for _, p := range domain.Platforms() {
		v := integrationView{Platform: p, Configured: h.Connector.Supports(p)}
		if cr, ok := byPlatform[p]; ok && cr.Active {
			created, updated := cr.CreatedAt, cr.UpdatedAt
			v.Connected = true
			v.ExpiresAt = cr.ExpiresAt
			v.ConnectedAt = &created
			v.UpdatedAt = &updated
		}
		out = append(out, v)
	}
	return c.JSON(http.StatusOK, integrationsResponse{Integrations: out})
}

func platformParam(c *call) (domain.Platform, error) {
	p := domain.Platform(c.Param("platform"))
	if !p.Valid() {
		return "", &domain.ValidationError{Field: "platform", Reason: "unknown platform " + string(p)}
	}
	return p, nil
}

type connectResponse struct {
	URL string `json:"url"`
}

func (h *handlers) connect(c *call) error {
	p, err := platformParam(c)
	if err != nil {
		return c.fail("validate", err)
	}
	if !h.Connector.Supports(p) {
		return c.fail("validate", &domain.ValidationError{Field: "platform", Reason: string(p) + " is not configured"})
	}
	state, err := h.States.Issue(c.ctx, c.userID, p)
	if err != nil {
		return c.fail("oauth_state", err)
	}
	authURL, err := h.Connector.AuthCodeURL(p, state)
	if err != nil {
		return c.fail("oauth_url", err)
	}
	return c.JSON(http.StatusOK, connectResponse{URL: authURL})
}

func (h *handlers) callback(c *call) error {
	p, err := platformParam(c)
	if err != nil {
		return c.fail("validate", err)
	}
	entry := c.log.WithField("platform", p)

	if oauthErr := c.QueryParam("error"); oauthErr != "" {
		entry.WithField("oauth_error", oauthErr).Warn("oauth flow rejected")
		c.metrics.Fail("provider", errors.New(oauthErr))
		return h.settingsRedirect(c, "error", string(p)+"_oauth_failed")
	}

	userID, err := h.States.Consume(c.ctx, c.QueryParam("state"), p)
	if err != nil {
		entry.WithError(err).Warn("oauth state rejected")
		c.metrics.Fail("oauth_state", err)
		return h.settingsRedirect(c, "error", string(p)+"_invalid_state")
	}
	entry = entry.WithField("user_id", userID)

	var cred domain.Credential
	err = c.metrics.Time("exchange", func() error {
		var err error
		cred, err = h.Connector.Exchange(c.ctx, userID, p, c.QueryParam("code"))
		return err
	})
	if err != nil {
		entry.WithError(err).Warn("oauth code exchange failed")
		c.metrics.Fail("exchange", err)
		return h.settingsRedirect(c, "error", string(p)+"_oauth_failed")
	}
	if err := h.Credentials.SaveCredential(c.ctx, cred); err != nil {
		entry.WithError(err).Error("save credential")
		c.metrics.Fail("storage", err)
		return h.settingsRedirect(c, "error", string(p)+"_save_failed")
	}
	entry.Info("platform connected")
	return h.settingsRedirect(c, "success", string(p)+"_connected")
}

func (h *handlers) settingsRedirect(c *call, key, value string) error {
	q := url.Values{}
	q.Set(key, value)
	return c.Redirect(http.StatusFound, strings.TrimRight(h.AppBaseURL, "/")+"/settings?"+q.Encode())
}

func (h *handlers) disconnect(c *call) error {
	p, err := platformParam(c)
	if err != nil {
		return c.fail("validate", err)
	}
	if err := h.Credentials.DeactivateCredential(c.ctx, c.userID, p); err != nil {
		return c.fail("storage", err)
	}
	c.log.WithField("platform", p).Info("platform disconnected")
	return c.NoContent(http.StatusNoContent)
}
