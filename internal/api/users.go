package api

import (
	"errors"
	"net/http"

	"github.com/caspianwatch/caspianwatch/internal/auth"
	"github.com/caspianwatch/caspianwatch/internal/listing"
	"github.com/caspianwatch/caspianwatch/internal/notification"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

// handleProfile handles GET /api/user/profile/
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	id, err := s.chain.Require(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileJSON(id))
}

// handleAssigned handles GET /api/user/assigned-pollutions/: the caller's
// open assignments, paged like the feed but with smaller pages.
func (s *Server) handleAssigned(w http.ResponseWriter, r *http.Request) {
	id, err := s.chain.Require(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	req, err := listing.ParseRequest(q.Get("page"), q.Get("page_size"), q.Get("as_of"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.listing.Assigned(r.Context(), id.ID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pageJSON(r, page))
}

type notifyAdminsRequest struct {
	PollutionID int64  `json:"pollution_id"`
	TelegramID  *int64 `json:"telegram_id,omitempty"`
	HasPhoto    *bool  `json:"has_photo,omitempty"`
}

type notifyAdminsResponse struct {
	*notification.Notice
	Admins []int64 `json:"admins"`
}

// handleNotifyAdmins handles POST /api/notify-admins/. It builds the
// reviewer announcement for a completed report without sending it; the
// bot delivers it to the listed admins.
func (s *Server) handleNotifyAdmins(w http.ResponseWriter, r *http.Request) {
	var req notifyAdminsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.PollutionID <= 0 {
		writeError(w, r, types.NewValidationError("pollution_id", "this field is required"))
		return
	}
	report, err := s.store.GetReport(r.Context(), req.PollutionID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	actor, err := s.notifyActor(r, req, report)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reviewers, err := s.store.ListReviewers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	hasPhoto := report.CompletionImage != ""
	if req.HasPhoto != nil {
		hasPhoto = *req.HasPhoto
	}
	notice := notification.BuildAdminNotice(report.ID, actor, hasPhoto, reviewers)
	resp := notifyAdminsResponse{Notice: notice, Admins: make([]int64, 0, len(notice.Recipients))}
	for _, rc := range notice.Recipients {
		resp.Admins = append(resp.Admins, rc.Handle)
	}
	writeJSON(w, http.StatusOK, resp)
}

// notifyActor resolves who did the work: the handle in the request, else
// the report's completer.
func (s *Server) notifyActor(r *http.Request, req notifyAdminsRequest, report *types.Report) (*types.Identity, error) {
	if req.TelegramID != nil {
		id, err := s.store.GetIdentityByHandle(r.Context(), *req.TelegramID)
		if errors.Is(err, types.ErrNotFound) {
			return nil, auth.ErrHandleNotLinked
		}
		return id, err
	}
	if report.CompletedBy != nil {
		return s.store.GetIdentity(r.Context(), *report.CompletedBy)
	}
	return nil, types.NewValidationError(auth.HandleParam, "this field is required for a report that is not completed")
}
