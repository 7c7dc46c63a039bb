package integrations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"talk2task/domain"
)

const (
	defaultEventDuration = time.Hour
	emailReminderMinutes = 24 * 60
	popupReminderMinutes = 30
	eventSource          = "Talk2Task"
)

// CalendarConfig configures the Google Calendar adapter.
type CalendarConfig struct {
	OAuth         *oauth2.Config
	CalendarID    string
	EventDuration time.Duration
	// Endpoint overrides the API base URL.
	Endpoint string
	// HTTPClient is used for token refreshes and as the base transport.
	HTTPClient *http.Client
}

// Calendar mirrors tasks as Google Calendar events.
type Calendar struct {
	cfg    CalendarConfig
	saver  CredentialSaver
	logger *log.Logger
	now    func() time.Time
}

func NewCalendar(cfg CalendarConfig, saver CredentialSaver, logger *log.Logger) *Calendar {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.EventDuration <= 0 {
		cfg.EventDuration = defaultEventDuration
	}
	if cfg.OAuth == nil {
		cfg.OAuth = &oauth2.Config{}
	}
	return &Calendar{cfg: cfg, saver: saver, logger: logger, now: time.Now}
}

func (c *Calendar) Name() domain.Platform { return domain.PlatformGoogleCalendar }

func (c *Calendar) service(ctx context.Context, cred domain.Credential) (*calendar.Service, error) {
	if expiredWithoutRefresh(cred, c.now()) {
		return nil, &domain.IntegrationError{
			Platform: c.Name(),
			Reason:   domain.ReasonAuthExpired,
			Err:      errors.New("access token expired and no refresh token is stored"),
		}
	}
	tokenCtx := ctx
	if c.cfg.HTTPClient != nil {
		tokenCtx = context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	}
	ts := newSavingTokenSource(c.cfg.OAuth.TokenSource(tokenCtx, CredentialToken(cred)), cred, c.saver, c.logger)
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(tokenCtx, ts))}
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Endpoint))
	}
	return calendar.NewService(ctx, opts...)
}

// EventFor builds the calendar event for a task.
func (c *Calendar) EventFor(task domain.Task, timezone string) *calendar.Event {
	if timezone == "" {
		timezone = "UTC"
	}
	start := c.now().UTC()
	if task.DueDate != nil {
		start = task.DueDate.UTC()
	}
	end := start.Add(c.cfg.EventDuration)
	description := task.Description
	if description == "" {
		description = "Task: " + task.Title
	}
	return &calendar.Event{
		Summary:     task.Title,
		Description: description,
		Start:       &calendar.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: timezone},
		End:         &calendar.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: timezone},
		Reminders: &calendar.EventReminders{
			UseDefault: false,
			Overrides: []*calendar.EventReminder{
				{Method: "email", Minutes: emailReminderMinutes},
				{Method: "popup", Minutes: popupReminderMinutes},
			},
			ForceSendFields: []string{"UseDefault"},
		},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				"taskId":   task.ID,
				"source":   eventSource,
				"priority": string(task.Priority),
			},
		},
	}
}

func (c *Calendar) Create(ctx context.Context, cred domain.Credential, task domain.Task, timezone string) (string, error) {
	srv, err := c.service(ctx, cred)
	if err != nil {
		return "", err
	}
	ev, err := srv.Events.Insert(c.cfg.CalendarID, c.EventFor(task, timezone)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return ev.Id, nil
}

// SyncStatus relabels the event summary with the status marker.
func (c *Calendar) SyncStatus(ctx context.Context, cred domain.Credential, task domain.Task) error {
	srv, err := c.service(ctx, cred)
	if err != nil {
		return err
	}
	ev, err := srv.Events.Get(c.cfg.CalendarID, task.ExternalID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get event: %w", err)
	}
	summary := domain.MarkTitle(ev.Summary, task.Status)
	if summary == ev.Summary {
		return nil
	}
	_, err = srv.Events.Patch(c.cfg.CalendarID, task.ExternalID, &calendar.Event{Summary: summary}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("patch event: %w", err)
	}
	return nil
}

// Remove deletes the event. 404 and 410 mean it is already gone.
func (c *Calendar) Remove(ctx context.Context, cred domain.Credential, externalID string) error {
	srv, err := c.service(ctx, cred)
	if err != nil {
		return err
	}
	if err := srv.Events.Delete(c.cfg.CalendarID, externalID).Context(ctx).Do(); err != nil {
		switch googleStatus(err) {
		case http.StatusNotFound, http.StatusGone:
			return nil
		}
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}
