package telegrambot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Report is the bot's view of a pollution report.
type Report struct {
	ID                 int64   `json:"id"`
	Latitude           float64 `json:"latitude"`
	Longitude          float64 `json:"longitude"`
	Description        string  `json:"description"`
	PollutionType      string  `json:"pollution_type"`
	ImageURL           *string `json:"image_url"`
	PhoneNumber        string  `json:"phone_number"`
	AssignedTo         []int64 `json:"assigned_to"`
	IsCompleted        bool    `json:"is_completed"`
	IsApproved         bool    `json:"is_approved"`
	CompletionImageURL *string `json:"completion_image_url"`
	CompletedBy        *int64  `json:"completed_by"`
	State              string  `json:"state"`
}

// ReportPage is one page of a report listing.
type ReportPage struct {
	Count    int      `json:"count"`
	Next     *string  `json:"next"`
	Previous *string  `json:"previous"`
	Results  []Report `json:"results"`
}

// AsOf returns the feed position the page links are pinned to, or "".
func (p *ReportPage) AsOf() string {
	for _, link := range []*string{p.Next, p.Previous} {
		if link == nil {
			continue
		}
		if u, err := url.Parse(*link); err == nil {
			if v := u.Query().Get("as_of"); v != "" {
				return v
			}
		}
	}
	return ""
}

// Category is a pollution type.
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Profile is the identity bound to a chat.
type Profile struct {
	ID             int64   `json:"id"`
	Username       string  `json:"username"`
	TelegramID     *int64  `json:"telegram_id"`
	FirstName      string  `json:"first_name"`
	LastName       string  `json:"last_name"`
	Position       *string `json:"position"`
	Role           string  `json:"role"`
	CompletedCount int     `json:"completed_count"`
	IsSuperuser    bool    `json:"is_superuser"`
}

// AdminNotice is the reviewer announcement for a completed report.
type AdminNotice struct {
	ReportID int64  `json:"report_id"`
	Text     string `json:"text"`
	Actions  []struct {
		Label string `json:"label"`
		Data  string `json:"data"`
	} `json:"actions"`
	Admins []int64 `json:"admins"`
}

// ReportDraft is a report collected by the dialogue, minus the photo.
type ReportDraft struct {
	Latitude    float64
	Longitude   float64
	Category    string
	Description string
	PhoneNumber string
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Details string `json:"details"`
	Field   string `json:"field"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("api %d: %s: %s", e.Status, e.Field, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err means the chat has no linked account.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusUnauthorized
}

// apiMessage returns the message to show a user for err, or fallback when
// err did not come from the API.
func apiMessage(err error, fallback string) string {
	var ae *APIError
	if errors.As(err, &ae) && ae.Message != "" && ae.Status < http.StatusInternalServerError {
		return ae.Message
	}
	return fallback
}

// Backend is the set of API calls the bot makes. Client implements it
// against the REST API.
type Backend interface {
	Categories(ctx context.Context) ([]Category, error)
	Reports(ctx context.Context, page, pageSize int, asOf string) (*ReportPage, error)
	Assigned(ctx context.Context, handle int64, page, pageSize int, asOf string) (*ReportPage, error)
	CreateReport(ctx context.Context, handle int64, draft ReportDraft, photo io.Reader) (*Report, error)
	Assign(ctx context.Context, handle, reportID int64) (*Report, error)
	Unassign(ctx context.Context, handle, reportID int64) (*Report, error)
	Complete(ctx context.Context, handle, reportID int64, photo io.Reader) (*Report, error)
	Approve(ctx context.Context, handle, reportID int64) (*Report, error)
	Reject(ctx context.Context, handle, reportID int64) (*Report, error)
	Profile(ctx context.Context, handle int64) (*Profile, error)
	LinkAccount(ctx context.Context, username, password string, handle int64) error
	NotifyAdmins(ctx context.Context, handle, reportID int64) (*AdminNotice, error)
}

// Client calls the REST API on behalf of chat users, who are identified by
// their Telegram id.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetry   time.Duration
}

// Verify Client implements Backend at compile time
var _ Backend = (*Client)(nil)

// NewClient creates a client for the API rooted at baseURL
// (e.g. http://localhost:8000/api).
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		maxRetry:   10 * time.Second,
	}
}

func handleQuery(handle int64) url.Values {
	return url.Values{"telegram_id": []string{strconv.FormatInt(handle, 10)}}
}

func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	var out []Category
	err := c.get(ctx, "/pollution-types/", nil, &out)
	return out, err
}

func (c *Client) Reports(ctx context.Context, page, pageSize int, asOf string) (*ReportPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	if asOf != "" {
		q.Set("as_of", asOf)
	}
	var out ReportPage
	if err := c.get(ctx, "/pollutions/", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Assigned(ctx context.Context, handle int64, page, pageSize int, asOf string) (*ReportPage, error) {
	q := handleQuery(handle)
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	if asOf != "" {
		q.Set("as_of", asOf)
	}
	var out ReportPage
	if err := c.get(ctx, "/user/assigned-pollutions/", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Profile(ctx context.Context, handle int64) (*Profile, error) {
	var out Profile
	if err := c.get(ctx, "/user/profile/", handleQuery(handle), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateReport submits a report. handle 0 submits anonymously.
func (c *Client) CreateReport(ctx context.Context, handle int64, draft ReportDraft, photo io.Reader) (*Report, error) {
	fields := map[string]string{
		"latitude":            strconv.FormatFloat(draft.Latitude, 'f', -1, 64),
		"longitude":           strconv.FormatFloat(draft.Longitude, 'f', -1, 64),
		"pollution_type_name": draft.Category,
		"description":         draft.Description,
	}
	if draft.PhoneNumber != "" {
		fields["phone_number"] = draft.PhoneNumber
	}
	if handle != 0 {
		fields["telegram_id"] = strconv.FormatInt(handle, 10)
	}
	var out Report
	if err := c.postMultipart(ctx, "/pollutions/", fields, photo, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Assign(ctx context.Context, handle, reportID int64) (*Report, error) {
	return c.transition(ctx, handle, reportID, "assign")
}

func (c *Client) Unassign(ctx context.Context, handle, reportID int64) (*Report, error) {
	return c.transition(ctx, handle, reportID, "unassign")
}

func (c *Client) Approve(ctx context.Context, handle, reportID int64) (*Report, error) {
	return c.transition(ctx, handle, reportID, "approve")
}

func (c *Client) Reject(ctx context.Context, handle, reportID int64) (*Report, error) {
	return c.transition(ctx, handle, reportID, "reject")
}

// Complete marks the report done with an optional photo (nil for none).
func (c *Client) Complete(ctx context.Context, handle, reportID int64, photo io.Reader) (*Report, error) {
	fields := map[string]string{"telegram_id": strconv.FormatInt(handle, 10)}
	var out Report
	if err := c.postMultipart(ctx, reportPath(reportID, "complete"), fields, photo, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LinkAccount(ctx context.Context, username, password string, handle int64) error {
	body := map[string]interface{}{
		"username":    username,
		"password":    password,
		"telegram_id": handle,
	}
	return c.postJSON(ctx, "/auth/link-telegram/", body, nil)
}

func (c *Client) NotifyAdmins(ctx context.Context, handle, reportID int64) (*AdminNotice, error) {
	body := map[string]interface{}{"pollution_id": reportID, "telegram_id": handle}
	var out AdminNotice
	if err := c.postJSON(ctx, "/notify-admins/", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func reportPath(id int64, action string) string {
	return fmt.Sprintf("/pollutions/%d/%s/", id, action)
}

func (c *Client) transition(ctx context.Context, handle, reportID int64, action string) (*Report, error) {
	var out Report
	body := map[string]interface{}{"telegram_id": handle}
	if err := c.postJSON(ctx, reportPath(reportID, action), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// get retries network failures and 5xx answers; GETs are safe to repeat.
func (c *Client) get(ctx context.Context, path string, q url.Values, dst interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.maxRetry

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = c.do(req, dst)
		var ae *APIError
		if errors.As(err, &ae) && ae.Status < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

func (c *Client) postJSON(ctx context.Context, path string, body, dst interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dst)
}

func (c *Client) postMultipart(ctx context.Context, path string, fields map[string]string, photo io.Reader, dst interface{}) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	if photo != nil {
		fw, err := mw.CreateFormFile("image", "photo.jpg")
		if err != nil {
			return err
		}
		if _, err := io.Copy(fw, photo); err != nil {
			return fmt.Errorf("read photo: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, dst)
}

func (c *Client) do(req *http.Request, dst interface{}) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		ae := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, ae) != nil || ae.Message == "" {
			ae.Message = strings.TrimSpace(string(data))
		}
		return ae
	}
	if dst == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
