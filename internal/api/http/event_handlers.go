package http

import (
	"net/http"

	"github.com/forsitet/fwbot/internal/domain"
	"github.com/forsitet/fwbot/internal/service"
)

type pullRequestResponse struct {
	ID       int64  `json:"id"`
	Number   int    `json:"number"`
	Head     string `json:"head"`
	State    string `json:"state"`
	Label    string `json:"label"`
	ParentID int64  `json:"parent_id,omitempty"`
	SourceID int64  `json:"source_id,omitempty"`
	LimitID  int64  `json:"limit_id,omitempty"`
}

func toPullRequestResponse(pr domain.PullRequest) pullRequestResponse {
	return pullRequestResponse{
		ID:       pr.ID,
		Number:   pr.Number,
		Head:     pr.Head,
		State:    string(pr.State),
		Label:    pr.Label,
		ParentID: pr.ParentID,
		SourceID: pr.SourceID,
		LimitID:  pr.LimitID,
	}
}

type prResponse struct {
	PR pullRequestResponse `json:"pull_request"`
}

type pullRequestRequest struct {
	Repository string `json:"repository"`
	Number     int    `json:"number"`
	Target     string `json:"target"`
	Head       string `json:"head"`
	Label      string `json:"label"`
	Author     string `json:"author"`
	Reviewer   string `json:"reviewer"`
	Message    string `json:"message"`
}

func (s *Server) HandlePullRequest(w http.ResponseWriter, r *http.Request) {
	var req pullRequestRequest
	if !s.decode(w, r, &req) {
		return
	}
	pr, err := s.app.Events.RegisterPR(r.Context(), service.PullRequestEvent(req))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prResponse{PR: toPullRequestResponse(pr)})
}

type headUpdatedRequest struct {
	Repository string `json:"repository"`
	Number     int    `json:"number"`
	Head       string `json:"head"`
}

func (s *Server) HandleHeadUpdated(w http.ResponseWriter, r *http.Request) {
	var req headUpdatedRequest
	if !s.decode(w, r, &req) {
		return
	}
	pr, err := s.app.Events.HeadUpdated(r.Context(), req.Repository, req.Number, req.Head)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prResponse{PR: toPullRequestResponse(pr)})
}

type stateChangedRequest struct {
	Repository string `json:"repository"`
	Number     int    `json:"number"`
	State      string `json:"state"`
}

func (s *Server) HandleStateChanged(w http.ResponseWriter, r *http.Request) {
	var req stateChangedRequest
	if !s.decode(w, r, &req) {
		return
	}
	pr, err := s.app.Events.StateChanged(r.Context(), req.Repository, req.Number, domain.PRState(req.State))
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prResponse{PR: toPullRequestResponse(pr)})
}

type mergedPRRequest struct {
	Repository string            `json:"repository"`
	Number     int               `json:"number"`
	CommitsMap map[string]string `json:"commits_map,omitempty"`
}

type batchMergedRequest struct {
	Target       string            `json:"target"`
	PullRequests []mergedPRRequest `json:"pull_requests"`
}

type batchResponse struct {
	ID           int64   `json:"id"`
	Active       bool    `json:"active"`
	PullRequests []int64 `json:"pull_requests"`
}

func (s *Server) HandleBatchMerged(w http.ResponseWriter, r *http.Request) {
	var req batchMergedRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev := service.BatchMergedEvent{Target: req.Target}
	for _, m := range req.PullRequests {
		ev.PullRequests = append(ev.PullRequests, service.MergedPR(m))
	}

	batch, err := s.app.Events.BatchMerged(r.Context(), ev)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, batchResponse{
		ID:           batch.ID,
		Active:       batch.Active,
		PullRequests: batch.PRIDs,
	})
}

type commentRequest struct {
	Repository string `json:"repository"`
	Number     int    `json:"number"`
	Author     string `json:"author"`
	Body       string `json:"body"`
}

type commentResponse struct {
	Replies []string `json:"replies"`
}

func (s *Server) HandleComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if !s.decode(w, r, &req) {
		return
	}
	replies, err := s.app.Commands.Handle(r.Context(), service.CommentEvent(req))
	if err != nil {
		s.handleError(w, err)
		return
	}
	if replies == nil {
		replies = []string{}
	}
	s.writeJSON(w, http.StatusOK, commentResponse{Replies: replies})
}
