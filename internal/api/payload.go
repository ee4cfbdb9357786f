package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caspianwatch/caspianwatch/internal/listing"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

// reportPayload is the wire form of a report. Image handles are exposed
// as absolute media URLs.
type reportPayload struct {
	ID                 int64       `json:"id"`
	Latitude           float64     `json:"latitude"`
	Longitude          float64     `json:"longitude"`
	Description        string      `json:"description"`
	PollutionType      string      `json:"pollution_type"`
	CreatedAt          time.Time   `json:"created_at"`
	ReportedBy         *int64      `json:"reported_by"`
	IsApproved         bool        `json:"is_approved"`
	ImageURL           *string     `json:"image_url"`
	PhoneNumber        string      `json:"phone_number"`
	AssignedTo         []int64     `json:"assigned_to"`
	IsCompleted        bool        `json:"is_completed"`
	CompletionImageURL *string     `json:"completion_image_url"`
	CompletedBy        *int64      `json:"completed_by"`
	State              types.State `json:"state"`
}

// pagePayload is the paged list envelope.
type pagePayload struct {
	Count    int             `json:"count"`
	Next     *string         `json:"next"`
	Previous *string         `json:"previous"`
	Results  []reportPayload `json:"results"`
}

type profilePayload struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	TelegramID     *int64     `json:"telegram_id"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	Position       *string    `json:"position"`
	Role           types.Role `json:"role"`
	CompletedCount int        `json:"completed_count"`
	IsSuperuser    bool       `json:"is_superuser"`
}

func (s *Server) reportJSON(r *http.Request, rep *types.Report) reportPayload {
	assigned := rep.AssignedTo
	if assigned == nil {
		assigned = []int64{}
	}
	p := reportPayload{
		ID:                 rep.ID,
		Latitude:           rep.Latitude,
		Longitude:          rep.Longitude,
		Description:        rep.Description,
		CreatedAt:          rep.CreatedAt,
		ReportedBy:         rep.ReportedBy,
		IsApproved:         rep.IsApproved,
		ImageURL:           s.mediaURL(r, rep.Image),
		PhoneNumber:        rep.PhoneNumber,
		AssignedTo:         assigned,
		IsCompleted:        rep.IsCompleted,
		CompletionImageURL: s.mediaURL(r, rep.CompletionImage),
		CompletedBy:        rep.CompletedBy,
		State:              rep.State(),
	}
	if rep.Category != nil {
		p.PollutionType = rep.Category.Name
	}
	return p
}

func (s *Server) pageJSON(r *http.Request, page *listing.Page) pagePayload {
	out := pagePayload{
		Count:   page.Count,
		Results: make([]reportPayload, 0, len(page.Results)),
	}
	for _, rep := range page.Results {
		out.Results = append(out.Results, s.reportJSON(r, rep))
	}
	if page.HasNext() {
		u := s.pageURL(r, page.NextPage, page.AsOf)
		out.Next = &u
	}
	if page.HasPrevious() {
		u := s.pageURL(r, page.PreviousPage, page.AsOf)
		out.Previous = &u
	}
	return out
}

func profileJSON(id *types.Identity) profilePayload {
	p := profilePayload{
		ID:             id.ID,
		Username:       id.Username,
		TelegramID:     id.TelegramID,
		FirstName:      id.FirstName,
		LastName:       id.LastName,
		Role:           id.Role,
		CompletedCount: id.CompletedCount,
		IsSuperuser:    id.IsSuperuser,
	}
	if title := id.Role.Title(); title != "" {
		p.Position = &title
	}
	return p
}

// baseURL is the configured public URL, or the one the request arrived on.
func (s *Server) baseURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + r.Host
}

func (s *Server) mediaURL(r *http.Request, handle string) *string {
	if handle == "" {
		return nil
	}
	u := s.baseURL(r) + "/media/" + handle
	return &u
}

// pageURL rebuilds the request URL pointing at page n of the listing
// pinned at asOf. Page 1 drops the page parameter.
func (s *Server) pageURL(r *http.Request, n int, asOf *types.FeedPosition) string {
	q := url.Values{}
	for k, v := range r.URL.Query() {
		q[k] = append([]string(nil), v...)
	}
	if n <= 1 {
		q.Del("page")
	} else {
		q.Set("page", strconv.Itoa(n))
	}
	if asOf != nil {
		q.Set("as_of", asOf.String())
	}
	u := s.baseURL(r) + r.URL.Path
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}
