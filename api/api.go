// Package api exposes room creation, membership and permission checks over HTTP. Authentication happens in front
// of this service, which forwards the caller's user id in the X-User-Id header.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/permissions"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/rooms"
	"github.com/tcriess/lightspeed-rooms/types"
)

const (
	UserIdHeader     = "X-User-Id"
	defaultPageLimit = 50
	maxPageLimit     = 500
)

var (
	permissionRead   = types.MustPermissionCode("message:read")
	permissionManage = types.MustPermissionCode("role:manage")
)

type Server struct {
	persister persistence.Persister
	creator   *rooms.Creator
	resolver  *permissions.Resolver
	logger    hclog.Logger
}

func NewServer(persister persistence.Persister, creator *rooms.Creator, resolver *permissions.Resolver, logger hclog.Logger) *Server {
	return &Server{persister: persister, creator: creator, resolver: resolver, logger: logger.Named("api")}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/rooms", s.createRoom).Methods(http.MethodPost)
	router.HandleFunc("/rooms/{room}", s.getRoom).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{room}/members", s.getMembers).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{room}/members", s.addMembers).Methods(http.MethodPost)
	router.HandleFunc("/rooms/{room}/members/{member}/permissions/{code}", s.setMemberPermission).Methods(http.MethodPut)
	router.HandleFunc("/rooms/{room}/permissions/{code}", s.checkPermission).Methods(http.MethodGet)
	return router
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("could not write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case types.IsValidation(err):
		status = http.StatusUnprocessableEntity
	case types.IsConflict(err):
		status = http.StatusConflict
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrForbidden):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		s.writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userId := r.Header.Get(UserIdHeader)
	if userId == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(errorResponse{Error: "missing " + UserIdHeader})
		return "", false
	}
	return userId, true
}

func pagination(r *http.Request) (int, int) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	return limit, page
}

type createRoomResponse struct {
	Room    *types.Room `json:"room"`
	EventId string      `json:"event_id"`
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := caller(w, r)
	if !ok {
		return
	}
	cmd := types.CreateRoomCommand{}
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	room, event, err := s.creator.Create(r.Context(), cmd, userId)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createRoomResponse{Room: room, EventId: event.Id})
}

// getRoom returns public rooms to everybody, private rooms only to members that may read them.
func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := caller(w, r)
	if !ok {
		return
	}
	roomId := mux.Vars(r)["room"]
	room, err := s.persister.GetRoom(r.Context(), roomId)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if room.Visibility != types.VisibilityPublic && !s.resolver.HasPermission(r.Context(), roomId, userId, permissionRead) {
		s.writeError(w, types.ErrNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, room)
}

func (s *Server) getMembers(w http.ResponseWriter, r *http.Request) {
	userId, ok := caller(w, r)
	if !ok {
		return
	}
	roomId := mux.Vars(r)["room"]
	if !s.resolver.HasPermission(r.Context(), roomId, userId, permissionRead) {
		s.writeError(w, types.ErrForbidden)
		return
	}
	limit, page := pagination(r)
	members, err := s.persister.GetMembers(r.Context(), roomId, limit, page)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, members)
}

type addMembersRequest struct {
	UserIds []string `json:"user_ids"`
}

func (s *Server) addMembers(w http.ResponseWriter, r *http.Request) {
	userId, ok := caller(w, r)
	if !ok {
		return
	}
	req := addMembersRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	room, _, err := s.creator.AddMembers(r.Context(), mux.Vars(r)["room"], userId, req.UserIds)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, room)
}

type permissionResponse struct {
	Code    types.PermissionCode `json:"code"`
	Allowed bool                 `json:"allowed"`
	Reason  string               `json:"reason,omitempty"`
}

func (s *Server) checkPermission(w http.ResponseWriter, r *http.Request) {
	userId, ok := caller(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	code, err := types.ParsePermissionCode(vars["code"])
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	decision, reason := s.resolver.Check(r.Context(), vars["room"], userId, code)
	res := permissionResponse{Code: code, Allowed: decision == permissions.Allow}
	if !res.Allowed {
		res.Reason = reason.String()
	}
	s.writeJSON(w, http.StatusOK, res)
}

type setPermissionRequest struct {
	Disposition types.Disposition `json:"disposition"`
}

// setMemberPermission grants or denies one permission to one member. The caller needs role:manage.
func (s *Server) setMemberPermission(w http.ResponseWriter, r *http.Request) {
	userId, ok := caller(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	code, err := types.ParsePermissionCode(vars["code"])
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	req := setPermissionRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if !s.resolver.HasPermission(r.Context(), vars["room"], userId, permissionManage) {
		s.writeError(w, types.ErrForbidden)
		return
	}
	member, err := s.persister.GetMember(r.Context(), vars["member"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if member.RoomId != vars["room"] {
		s.writeError(w, types.ErrNotFound)
		return
	}
	err = s.persister.SetMemberPermission(r.Context(), member.Id, code, req.Disposition)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
