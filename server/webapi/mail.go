package webapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/marcuscabrera/simple-webmail-imap/cache"
	"github.com/marcuscabrera/simple-webmail-imap/consts"
	"github.com/marcuscabrera/simple-webmail-imap/gateway"
	"github.com/marcuscabrera/simple-webmail-imap/server/mailsync"
)

const (
	maxUpdateBody = 4 << 10
	maxSendBody   = 10 << 20
)

type FolderListResponse struct {
	Folders []string       `json:"folders"`
	Details []cache.Folder `json:"details"`
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	refresh, err := boolParam(r, "refresh")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	folders, err := s.mail.Folders(r.Context(), sessionFromContext(r.Context()), refresh)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := FolderListResponse{Folders: make([]string, 0, len(folders)), Details: folders}
	for _, f := range folders {
		resp.Folders = append(resp.Folders, f.Name)
	}
	if resp.Details == nil {
		resp.Details = []cache.Folder{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type MessageListResponse struct {
	Folder   string                 `json:"folder"`
	Messages []cache.CachedMessage  `json:"messages"`
	Failed   []gateway.FetchFailure `json:"failed"`
	Total    int                    `json:"total"`
	Limit    int                    `json:"limit"`
	Offset   int                    `json:"offset"`
}

// LegacyEmailsResponse is MessageListResponse under the older "emails" key.
type LegacyEmailsResponse struct {
	Folder string                 `json:"folder"`
	Emails []cache.CachedMessage  `json:"emails"`
	Failed []gateway.FetchFailure `json:"failed"`
	Total  int                    `json:"total"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		folder = consts.InboxName
	}
	res, err := s.listMessages(r, folder)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MessageListResponse{
		Folder:   res.Folder,
		Messages: res.Messages,
		Failed:   res.Failed,
		Total:    res.Total,
		Limit:    res.Limit,
		Offset:   res.Offset,
	})
}

func (s *Server) handleLegacyEmails(w http.ResponseWriter, r *http.Request) {
	folder, err := pathParam(r, "folder")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	res, err := s.listMessages(r, folder)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, LegacyEmailsResponse{
		Folder: res.Folder,
		Emails: res.Messages,
		Failed: res.Failed,
		Total:  res.Total,
	})
}

func (s *Server) listMessages(r *http.Request, folder string) (*mailsync.MessagesResult, error) {
	limit, err := intParam(r, "limit")
	if err != nil {
		return nil, err
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		return nil, err
	}
	refresh, err := boolParam(r, "refresh")
	if err != nil {
		return nil, err
	}
	return s.mail.Messages(r.Context(), sessionFromContext(r.Context()), folder,
		cache.Page{Limit: limit, Offset: offset}, refresh)
}

type UpdateMessageRequest struct {
	IsRead    *bool `json:"isRead"`
	IsStarred *bool `json:"isStarred"`
	// Sync also stores the change on the upstream server.
	Sync bool `json:"sync"`
}

func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	folder, err := pathParam(r, "folder")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	id, err := pathParam(r, "id")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	var req UpdateMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", false)
		return
	}

	if err := s.mail.MarkFlag(r.Context(), sessionFromContext(r.Context()), folder, id, req.IsRead, req.IsStarred, req.Sync); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "folder": folder, "id": id})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req mailsync.SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", false)
		return
	}

	if err := s.mail.Send(r.Context(), sessionFromContext(r.Context()), req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func pathParam(r *http.Request, name string) (string, error) {
	v, err := url.PathUnescape(mux.Vars(r)[name])
	if err != nil || v == "" {
		return "", consts.NewValidationError(name, "invalid path parameter")
	}
	return v, nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, consts.NewValidationError(name, "must be an integer")
	}
	return n, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, consts.NewValidationError(name, "must be true or false")
	}
	return b, nil
}
