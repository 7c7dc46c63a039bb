package integrations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jomei/notionapi"

	"talk2task/domain"
)

const (
	notionUnauthorized notionapi.ErrorCode = "unauthorized"
	notionNotFound     notionapi.ErrorCode = "object_not_found"
	notionValidation   notionapi.ErrorCode = "validation_error"

	titleProperty  = "Name"
	statusProperty = "Status"
)

// pageService is the part of the Notion client the adapter uses.
type pageService interface {
	Create(ctx context.Context, request *notionapi.PageCreateRequest) (*notionapi.Page, error)
	Update(ctx context.Context, id notionapi.PageID, request *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// PageClientFunc builds a page client for an access token.
type PageClientFunc func(token string) pageService

// NotionPages returns a PageClientFunc backed by the Notion API.
func NotionPages(httpClient *http.Client) PageClientFunc {
	return func(token string) pageService {
		opts := []notionapi.ClientOption{notionapi.WithRetry(2)}
		if httpClient != nil {
			opts = append(opts, notionapi.WithHTTPClient(httpClient))
		}
		return notionapi.NewClient(notionapi.Token(token), opts...).Page
	}
}

// Notes mirrors tasks as pages in a Notion database.
type Notes struct {
	databaseID string
	pages      PageClientFunc
}

func NewNotes(databaseID string, pages PageClientFunc) *Notes {
	return &Notes{databaseID: databaseID, pages: pages}
}

func (n *Notes) Name() domain.Platform { return domain.PlatformNotion }

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{{
		Type:      notionapi.ObjectTypeText,
		Text:      &notionapi.Text{Content: s},
		PlainText: s,
	}}
}

// PageFor builds the create request for a task.
func (n *Notes) PageFor(task domain.Task) *notionapi.PageCreateRequest {
	req := &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(n.databaseID),
		},
		Properties: notionapi.Properties{
			titleProperty: notionapi.TitleProperty{
				Type:  notionapi.PropertyTypeTitle,
				Title: richText(task.Title),
			},
		},
	}
	if strings.TrimSpace(task.Description) != "" {
		req.Children = []notionapi.Block{
			notionapi.ParagraphBlock{
				BasicBlock: notionapi.BasicBlock{
					Object: notionapi.ObjectTypeBlock,
					Type:   notionapi.BlockTypeParagraph,
				},
				Paragraph: notionapi.Paragraph{RichText: richText(task.Description)},
			},
		}
	}
	return req
}

func (n *Notes) Create(ctx context.Context, cred domain.Credential, task domain.Task, _ string) (string, error) {
	if n.databaseID == "" {
		return "", &domain.IntegrationError{Platform: n.Name(), Reason: domain.ReasonRemoteError, Err: errors.New("no notes database configured")}
	}
	page, err := n.pages(cred.AccessToken).Create(ctx, n.PageFor(task))
	if err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}
	return string(page.ID), nil
}

// SyncStatus sets the Status select of the page.
func (n *Notes) SyncStatus(ctx context.Context, cred domain.Credential, task domain.Task) error {
	_, err := n.pages(cred.AccessToken).Update(ctx, notionapi.PageID(task.ExternalID), &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			statusProperty: notionapi.SelectProperty{
				Type:   notionapi.PropertyTypeSelect,
				Select: notionapi.Option{Name: domain.NotesStatusName(task.Status)},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("update page status: %w", err)
	}
	return nil
}

// Remove archives the page. A missing or already archived page is success.
func (n *Notes) Remove(ctx context.Context, cred domain.Credential, externalID string) error {
	_, err := n.pages(cred.AccessToken).Update(ctx, notionapi.PageID(externalID), &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{},
		Archived:   true,
	})
	if err == nil || pageGone(err) {
		return nil
	}
	return fmt.Errorf("archive page: %w", err)
}

func pageGone(err error) bool {
	var ne *notionapi.Error
	if !errors.As(err, &ne) {
		return false
	}
	if ne.Status == http.StatusNotFound || ne.Code == notionNotFound {
		return true
	}
	return ne.Code == notionValidation && strings.Contains(strings.ToLower(ne.Message), "archived")
}
