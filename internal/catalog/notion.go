package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	defaultNotionBaseURL   = "https://api.notion.com"
	defaultNotionVersion   = "2022-06-28"
	defaultRetryInitial    = time.Second
	defaultMaxAttempts     = 3
	notionCodeNotFound     = "object_not_found"
	notionCodeRateLimited  = "rate_limited"
	maxNotionResponseBytes = 4 << 20

	propertyTitle           = "제목"
	propertyDescription     = "설명"
	propertyFileKey         = "파일키"
	propertyCategory        = "카테고리"
	propertyLevel           = "난이도"
	propertyRequiredMileage = "필요마일리지"
	propertyFileSize        = "파일크기"
	propertyStatus          = "상태"
	propertyUploader        = "업로더"
	propertyUploadedAt      = "업로드일"
	propertyViews           = "조회수"
	propertyDownloads       = "다운로드수"
)

// NotionConfig configures the Notion database client.
type NotionConfig struct {
	APIKey     string
	DatabaseID string
	BaseURL    string
	Version    string
	HTTPClient *http.Client
	// RetryInitialInterval doubles after each rate-limited attempt.
	RetryInitialInterval time.Duration
	MaxAttempts          uint
	Logger               *zap.Logger
	Now                  func() time.Time
}

// NotionClient stores resources as pages of a Notion database.
type NotionClient struct {
	baseURL      string
	apiKey       string
	databaseID   string
	version      string
	httpClient   *http.Client
	retryInitial time.Duration
	maxAttempts  uint
	logger       *zap.Logger
	nowFn        func() time.Time
}

func NewNotionClient(cfg NotionConfig) (*NotionClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidCatalogConfig)
	}
	if strings.TrimSpace(cfg.DatabaseID) == "" {
		return nil, fmt.Errorf("%w: database id is required", ErrInvalidCatalogConfig)
	}
	client := &NotionClient{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:       cfg.APIKey,
		databaseID:   cfg.DatabaseID,
		version:      cfg.Version,
		httpClient:   cfg.HTTPClient,
		retryInitial: cfg.RetryInitialInterval,
		maxAttempts:  cfg.MaxAttempts,
		logger:       cfg.Logger,
		nowFn:        cfg.Now,
	}
	if client.baseURL == "" {
		client.baseURL = defaultNotionBaseURL
	}
	if client.version == "" {
		client.version = defaultNotionVersion
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if client.retryInitial <= 0 {
		client.retryInitial = defaultRetryInitial
	}
	if client.maxAttempts == 0 {
		client.maxAttempts = defaultMaxAttempts
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}
	if client.nowFn == nil {
		client.nowFn = time.Now
	}
	return client, nil
}

// ListApproved returns approved resources, newest first.
func (client *NotionClient) ListApproved(ctx context.Context, limit int, cursor string, filters Filters) (Page, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	conditions := []any{selectEquals(propertyStatus, StatusApproved.label())}
	if category := strings.TrimSpace(filters.Category); category != "" {
		conditions = append(conditions, selectEquals(propertyCategory, category))
	}
	if level := strings.TrimSpace(filters.Level); level != "" {
		conditions = append(conditions, selectEquals(propertyLevel, level))
	}
	body := map[string]any{
		"filter":    map[string]any{"and": conditions},
		"sorts":     newestFirst(),
		"page_size": limit,
	}
	if cursor != "" {
		body["start_cursor"] = cursor
	}
	response, err := client.queryDatabase(ctx, body)
	if err != nil {
		return Page{}, unavailable(err)
	}
	page := Page{
		Resources: make([]Resource, 0, len(response.Results)),
		HasMore:   response.HasMore,
	}
	if response.NextCursor != nil {
		page.NextCursor = *response.NextCursor
	}
	for _, result := range response.Results {
		page.Resources = append(page.Resources, result.toResource())
	}
	return page, nil
}

// ListPending returns resources awaiting review, newest first.
func (client *NotionClient) ListPending(ctx context.Context) ([]Resource, error) {
	response, err := client.queryDatabase(ctx, map[string]any{
		"filter": selectEquals(propertyStatus, StatusPending.label()),
		"sorts":  newestFirst(),
	})
	if err != nil {
		return nil, unavailable(err)
	}
	resources := make([]Resource, 0, len(response.Results))
	for _, result := range response.Results {
		resources = append(resources, result.toResource())
	}
	return resources, nil
}

func (client *NotionClient) Get(ctx context.Context, id string) (Resource, error) {
	page, err := client.retrievePage(ctx, id)
	if err != nil {
		return Resource{}, mapPageError(err)
	}
	return page.toResource(), nil
}

// Create stores a pending resource and returns its id.
func (client *NotionClient) Create(ctx context.Context, input CreateInput) (string, error) {
	if err := input.validate(); err != nil {
		return "", err
	}
	body := map[string]any{
		"parent": map[string]any{"database_id": client.databaseID},
		"properties": map[string]any{
			propertyTitle:           map[string]any{"title": richText(input.Title)},
			propertyDescription:     map[string]any{"rich_text": richText(input.Description)},
			propertyFileKey:         map[string]any{"rich_text": richText(input.FileKey)},
			propertyCategory:        selectValue(input.Category),
			propertyLevel:           selectValue(input.Level),
			propertyRequiredMileage: map[string]any{"number": input.RequiredMileage},
			propertyFileSize:        map[string]any{"rich_text": richText(input.FileSize)},
			propertyStatus:          selectValue(StatusPending.label()),
			propertyUploader:        map[string]any{"rich_text": richText(input.UploadedBy)},
			propertyUploadedAt:      map[string]any{"date": map[string]any{"start": client.nowFn().UTC().Format(time.RFC3339)}},
			propertyViews:           map[string]any{"number": 0},
			propertyDownloads:       map[string]any{"number": 0},
		},
	}
	var page notionPage
	if err := client.call(ctx, http.MethodPost, "/v1/pages", body, &page); err != nil {
		return "", unavailable(err)
	}
	return page.ID, nil
}

// UpdateStatus moves a resource to approved or rejected.
func (client *NotionClient) UpdateStatus(ctx context.Context, id string, status Status) error {
	if status != StatusApproved && status != StatusRejected {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return client.updateProperties(ctx, id, map[string]any{
		propertyStatus: selectValue(status.label()),
	})
}

// IncrementDownloads reads then rewrites the counter; concurrent downloads may undercount.
func (client *NotionClient) IncrementDownloads(ctx context.Context, id string) error {
	page, err := client.retrievePage(ctx, id)
	if err != nil {
		return mapPageError(err)
	}
	current := page.toResource().Downloads
	return client.updateProperties(ctx, id, map[string]any{
		propertyDownloads: map[string]any{"number": current + 1},
	})
}

// Ping checks that the database is reachable.
func (client *NotionClient) Ping(ctx context.Context) error {
	var database map[string]any
	if err := client.call(ctx, http.MethodGet, "/v1/databases/"+url.PathEscape(client.databaseID), nil, &database); err != nil {
		return unavailable(err)
	}
	return nil
}

func (client *NotionClient) queryDatabase(ctx context.Context, body map[string]any) (notionQueryResponse, error) {
	var response notionQueryResponse
	err := client.call(ctx, http.MethodPost, "/v1/databases/"+url.PathEscape(client.databaseID)+"/query", body, &response)
	return response, err
}

func (client *NotionClient) retrievePage(ctx context.Context, id string) (notionPage, error) {
	if strings.TrimSpace(id) == "" {
		return notionPage{}, &notionAPIError{Status: http.StatusNotFound, Code: notionCodeNotFound, Message: "empty page id"}
	}
	var page notionPage
	err := client.call(ctx, http.MethodGet, "/v1/pages/"+url.PathEscape(id), nil, &page)
	return page, err
}

func (client *NotionClient) updateProperties(ctx context.Context, id string, properties map[string]any) error {
	if strings.TrimSpace(id) == "" {
		return ErrResourceNotFound
	}
	var page notionPage
	err := client.call(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(id), map[string]any{"properties": properties}, &page)
	if err != nil {
		return mapPageError(err)
	}
	return nil
}

// call sends one request, retrying rate-limited responses with exponential backoff.
func (client *NotionClient) call(ctx context.Context, method string, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = encoded
	}
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = client.retryInitial
	exponential.Multiplier = 2
	exponential.RandomizationFactor = 0
	exponential.MaxInterval = client.retryInitial * 8

	raw, err := backoff.Retry(ctx, func() ([]byte, error) {
		return client.send(ctx, method, path, payload)
	},
		backoff.WithBackOff(exponential),
		backoff.WithMaxTries(client.maxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			client.logger.Warn("notion rate limited, retrying", zap.String("path", path), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (client *NotionClient) send(ctx context.Context, method string, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	request.Header.Set("Authorization", "Bearer "+client.apiKey)
	request.Header.Set("Notion-Version", client.version)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxNotionResponseBytes))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		apiErr := &notionAPIError{Status: response.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		if apiErr.rateLimited() {
			return nil, apiErr
		}
		return nil, backoff.Permanent(apiErr)
	}
	return raw, nil
}

type notionAPIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (apiErr *notionAPIError) Error() string {
	return fmt.Sprintf("notion api %d %s: %s", apiErr.Status, apiErr.Code, apiErr.Message)
}

func (apiErr *notionAPIError) rateLimited() bool {
	return apiErr.Status == http.StatusTooManyRequests || apiErr.Code == notionCodeRateLimited
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
}

func mapPageError(err error) error {
	var apiErr *notionAPIError
	if errors.As(err, &apiErr) && (apiErr.Code == notionCodeNotFound || apiErr.Status == http.StatusNotFound) {
		return fmt.Errorf("%w: %w", ErrResourceNotFound, err)
	}
	return unavailable(err)
}

func selectEquals(property string, value string) map[string]any {
	return map[string]any{
		"property": property,
		"select":   map[string]any{"equals": value},
	}
}

func newestFirst() []any {
	return []any{map[string]any{"property": propertyUploadedAt, "direction": "descending"}}
}

func richText(content string) []any {
	return []any{map[string]any{"text": map[string]any{"content": content}}}
}

func selectValue(name string) map[string]any {
	return map[string]any{"select": map[string]any{"name": name}}
}

type notionQueryResponse struct {
	Results    []notionPage `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor *string      `json:"next_cursor"`
}

type notionPage struct {
	ID         string                    `json:"id"`
	Properties map[string]notionProperty `json:"properties"`
}

type notionProperty struct {
	Title    []notionText `json:"title"`
	RichText []notionText `json:"rich_text"`
	Select   *struct {
		Name string `json:"name"`
	} `json:"select"`
	Number *float64 `json:"number"`
	Date   *struct {
		Start string `json:"start"`
	} `json:"date"`
}

type notionText struct {
	PlainText string `json:"plain_text"`
	Text      struct {
		Content string `json:"content"`
	} `json:"text"`
}

func (page notionPage) toResource() Resource {
	resource := Resource{
		ID:              page.ID,
		Title:           firstText(page.Properties[propertyTitle].Title),
		Description:     firstText(page.Properties[propertyDescription].RichText),
		FileKey:         firstText(page.Properties[propertyFileKey].RichText),
		Category:        selectName(page.Properties[propertyCategory]),
		Level:           selectName(page.Properties[propertyLevel]),
		RequiredMileage: number(page.Properties[propertyRequiredMileage]),
		FileSize:        firstText(page.Properties[propertyFileSize].RichText),
		UploadedBy:      firstText(page.Properties[propertyUploader].RichText),
		Views:           number(page.Properties[propertyViews]),
		Downloads:       number(page.Properties[propertyDownloads]),
	}
	if date := page.Properties[propertyUploadedAt].Date; date != nil {
		resource.UploadedAt = parseNotionDate(date.Start)
	}
	if status, err := ParseStatus(selectName(page.Properties[propertyStatus])); err == nil {
		resource.Status = status
	}
	return resource
}

func firstText(texts []notionText) string {
	if len(texts) == 0 {
		return ""
	}
	if texts[0].Text.Content != "" {
		return texts[0].Text.Content
	}
	return texts[0].PlainText
}

func selectName(property notionProperty) string {
	if property.Select == nil {
		return ""
	}
	return property.Select.Name
}

func number(property notionProperty) int64 {
	if property.Number == nil {
		return 0
	}
	return int64(*property.Number)
}

func parseNotionDate(raw string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
