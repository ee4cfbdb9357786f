package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/caspianwatch/caspianwatch/internal/blob"
	"github.com/caspianwatch/caspianwatch/internal/lifecycle"
	"github.com/caspianwatch/caspianwatch/internal/listing"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

// multipartMemory is how much of a multipart body is kept in memory; the
// rest spills to temp files.
const multipartMemory = 32 << 20

func reportID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, types.NotFound("pollution", r.PathValue("id"))
	}
	return id, nil
}

// limitUpload caps the body and parses it as a form before authentication
// reads it.
func (s *Server) limitUpload(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartMemory/32)
	ct := r.Header.Get("Content-Type")
	var err error
	switch {
	case strings.HasPrefix(ct, "multipart/form-data"):
		err = r.ParseMultipartForm(multipartMemory)
	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"):
		err = r.ParseForm()
	default:
		return nil
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return types.NewValidationError("image", fmt.Sprintf("file is larger than %d bytes", s.maxUpload))
		}
		return types.NewValidationError("body", fmt.Sprintf("malformed form: %v", err))
	}
	return nil
}

// storeUpload saves the "image" form file into bucket. A missing file
// returns an empty handle.
func (s *Server) storeUpload(r *http.Request, bucket string) (string, error) {
	if r.MultipartForm == nil {
		return "", nil
	}
	file, _, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}
	if err != nil {
		return "", types.NewValidationError("image", fmt.Sprintf("unreadable upload: %v", err))
	}
	defer func() { _ = file.Close() }()
	return s.blobs.Put(r.Context(), bucket, file)
}

// discard removes an uploaded blob whose report was never written.
func (s *Server) discard(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	if err := s.blobs.Delete(context.WithoutCancel(ctx), handle); err != nil {
		s.logger.Warn("failed to remove orphaned upload", "handle", handle, "err", err)
	}
}

func parseCoordinate(r *http.Request, field string) (float64, error) {
	raw := strings.TrimSpace(r.FormValue(field))
	if raw == "" {
		return 0, types.NewValidationError(field, "this field is required")
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil {
		return 0, types.NewValidationError(field, "a valid number is required")
	}
	return v, nil
}

// handleCreateReport handles POST /api/pollutions/ (multipart). Anonymous
// submissions are accepted; a credential that is present but invalid is not.
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	if err := s.limitUpload(w, r); err != nil {
		writeError(w, r, err)
		return
	}
	reporter, err := s.chain.Authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	lat, err := parseCoordinate(r, "latitude")
	if err != nil {
		writeError(w, r, err)
		return
	}
	lon, err := parseCoordinate(r, "longitude")
	if err != nil {
		writeError(w, r, err)
		return
	}
	in := lifecycle.CreateInput{
		Latitude:    lat,
		Longitude:   lon,
		Description: r.FormValue("description"),
		Category:    r.FormValue("pollution_type"),
		PhoneNumber: r.FormValue("phone_number"),
	}
	if in.Category == "" {
		in.Category = r.FormValue("pollution_type_name")
	}

	handle, err := s.storeUpload(r, blob.BucketReports)
	if err != nil {
		writeError(w, r, err)
		return
	}
	in.Image = handle

	report, err := s.engine.Create(r.Context(), in, reporter)
	if err != nil {
		s.discard(r.Context(), handle)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.reportJSON(r, report))
}

// handleListReports handles GET /api/pollutions/
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req, err := listing.ParseRequest(q.Get("page"), q.Get("page_size"), q.Get("as_of"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if name := strings.TrimSpace(q.Get("pollution_type")); name != "" {
		cat, err := s.store.GetCategoryByName(r.Context(), name)
		if err != nil {
			writeError(w, r, err)
			return
		}
		req.CategoryID = &cat.ID
	}
	page, err := s.listing.Reports(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pageJSON(r, page))
}

// handleGetReport handles GET /api/pollutions/{id}/
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, err := reportID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.reportJSON(r, report))
}

type transition func(ctx context.Context, id int64, actor *types.Identity) (*types.Report, error)

// runTransition authenticates the caller and applies op to the report in
// the path.
func (s *Server) runTransition(w http.ResponseWriter, r *http.Request, op transition) {
	id, err := reportID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	actor, err := s.chain.Require(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := op(r.Context(), id, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.reportJSON(r, report))
}

// handleAssign handles POST /api/pollutions/{id}/assign/
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, s.engine.Assign)
}

// handleUnassign handles POST /api/pollutions/{id}/unassign/
func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, s.engine.Unassign)
}

// handleApprove handles POST /api/pollutions/{id}/approve/
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, s.engine.Approve)
}

// handleReject handles POST /api/pollutions/{id}/reject/
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.runTransition(w, r, s.engine.Reject)
}

// handleComplete handles POST /api/pollutions/{id}/complete/ (multipart
// with the completion photo in "image").
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if err := s.limitUpload(w, r); err != nil {
		writeError(w, r, err)
		return
	}
	s.runTransition(w, r, func(ctx context.Context, id int64, actor *types.Identity) (*types.Report, error) {
		handle, err := s.storeUpload(r, blob.BucketCompletions)
		if err != nil {
			return nil, err
		}
		report, err := s.engine.Complete(ctx, id, actor, handle)
		if err != nil {
			s.discard(ctx, handle)
			return nil, err
		}
		return report, nil
	})
}

// handleListCategories handles GET /api/pollution-types/
func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.store.ListCategories(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cats == nil {
		cats = []*types.Category{}
	}
	writeJSON(w, http.StatusOK, cats)
}
