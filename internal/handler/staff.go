package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ratticdb/rattic/internal/auth"
	"github.com/ratticdb/rattic/internal/metrics"
	"github.com/ratticdb/rattic/internal/middleware"
	"github.com/ratticdb/rattic/internal/model"
	"github.com/ratticdb/rattic/internal/repository"
)

// StaffStore is the repository surface used by the staff views.
type StaffStore interface {
	ListUsers(ctx context.Context) ([]*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	CreateUser(ctx context.Context, user *model.User) error
	UpdateUser(ctx context.Context, user *model.User) error
	UpdateUserAndPassword(ctx context.Context, user *model.User, hash string, changedAt time.Time) error
	DeleteUser(ctx context.Context, id int64) error

	ListGroups(ctx context.Context) ([]*model.Group, error)
	GetGroupByID(ctx context.Context, id int64) (*model.Group, error)
	ListGroupMembers(ctx context.Context, groupID int64) ([]*model.User, error)
	CreateGroup(ctx context.Context, group *model.Group) error
	UpdateGroup(ctx context.Context, group *model.Group) error
	DeleteGroup(ctx context.Context, id int64) error
}

// SessionEnder logs a user out everywhere.
type SessionEnder interface {
	EndUser(ctx context.Context, userID int64) error
}

// StaffConfig holds the settings the staff views depend on.
type StaffConfig struct {
	// HomeURL is where successful mutations redirect.
	HomeURL string
	// PasswordOptional is set when accounts may live in LDAP, so new
	// users need no local password.
	PasswordOptional bool
}

// StaffHandler serves the user and group administration pages.
type StaffHandler struct {
	store    StaffStore
	sessions SessionEnder
	cfg      StaffConfig
	recorder metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewStaffHandler creates a new StaffHandler.
func NewStaffHandler(store StaffStore, sessions SessionEnder, cfg StaffConfig, recorder metrics.Recorder, logger *slog.Logger) *StaffHandler {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &StaffHandler{
		store:    store,
		sessions: sessions,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Routes returns the staff router. Every route requires a staff user.
func (h *StaffHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireStaff)
	r.NotFound(NotFound)
	r.MethodNotAllowed(MethodNotAllowed)

	r.Get("/", h.Home)
	r.Get("/userdetail/{id:[0-9]+}/", h.UserDetail)
	r.Get("/groupdetail/{id:[0-9]+}/", h.GroupDetail)
	r.Get("/userdelete/{id:[0-9]+}/", h.UserDeleteConfirm)
	r.Post("/userdelete/{id:[0-9]+}/", h.UserDelete)
	r.Get("/groupdelete/{id:[0-9]+}/", h.GroupDeleteConfirm)
	r.Post("/groupdelete/{id:[0-9]+}/", h.GroupDelete)
	r.Get("/groupadd/", h.GroupAddForm)
	r.Post("/groupadd/", h.GroupAdd)
	r.Get("/groupedit/{id:[0-9]+}/", h.GroupEditForm)
	r.Post("/groupedit/{id:[0-9]+}/", h.GroupEdit)
	r.Get("/useradd/", h.UserAddForm)
	r.Post("/useradd/", h.UserAdd)
	r.Get("/useredit/{id:[0-9]+}/", h.UserEditForm)
	r.Post("/useredit/{id:[0-9]+}/", h.UserEdit)
	return r
}

// HomeResponse lists every user and group.
type HomeResponse struct {
	Users  []*model.User  `json:"users"`
	Groups []*model.Group `json:"groups"`
}

// UserDetailResponse is a user and the groups it belongs to.
type UserDetailResponse struct {
	User   *model.User    `json:"user"`
	Groups []*model.Group `json:"groups"`
}

// GroupDetailResponse is a group and its members.
type GroupDetailResponse struct {
	Group   *model.Group  `json:"group"`
	Members []*model.User `json:"members"`
}

// UserFormResponse backs the user add and edit pages.
type UserFormResponse struct {
	User             *model.User    `json:"user,omitempty"`
	Groups           []*model.Group `json:"groups"`
	PasswordRequired bool           `json:"password_required"`
}

// Home handles GET /staff/.
func (h *StaffHandler) Home(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.handleStoreError(w, r, err)
		return
	}
	groups, err := h.store.ListGroups(r.Context())
	if err != nil {
		h.handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HomeResponse{Users: users, Groups: groups})
}

// UserDetail handles GET /staff/userdetail/{id}/.
func (h *StaffHandler) UserDetail(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	groups, err := h.store.ListGroups(r.Context())
	if err != nil {
		h.handleStoreError(w, r, err)
		return
	}

	member := make([]*model.Group, 0, len(user.GroupIDs))
	for _, g := range groups {
		if user.InGroup(g.ID) {
			member = append(member, g)
		}
	}
	writeJSON(w, http.StatusOK, UserDetailResponse{User: user, Groups: member})
}

// GroupDetail handles GET /staff/groupdetail/{id}/.
func (h *StaffHandler) GroupDetail(w http.ResponseWriter, r *http.Request) {
	group, ok := h.loadGroup(w, r)
	if !ok {
		return
	}
	members, err := h.store.ListGroupMembers(r.Context(), group.ID)
	if err != nil {
		h.handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GroupDetailResponse{Group: group, Members: members})
}

// UserDeleteConfirm handles GET /staff/userdelete/{id}/.
func (h *StaffHandler) UserDeleteConfirm(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// UserDelete handles POST /staff/userdelete/{id}/.
func (h *StaffHandler) UserDelete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		NotFound(w, r)
		return
	}
	if auth.MustUserFromContext(r.Context()).ID == id {
		writeError(w, http.StatusBadRequest, "DELETE_SELF", "You cannot delete your own account")
		return
	}

	if err := h.store.DeleteUser(r.Context(), id); err != nil {
		h.handleStoreError(w, r, err)
		return
	}
	if err := h.sessions.EndUser(r.Context(), id); err != nil {
		h.logger.Warn("failed to end sessions of deleted user", "user_id", id, "error", err)
	}

	h.mutated(r, "user", metrics.ActionDeleted, id)
	http.Redirect(w, r, h.cfg.HomeURL, http.StatusFound)
}

// GroupDeleteConfirm handles GET /staff/groupdelete/{id}/.
func (h *StaffHandler) GroupDeleteConfirm(w http.ResponseWriter, r *http.Request) {
	group, ok := h.loadGroup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": group})
}

// GroupDelete handles POST /staff/groupdelete/{id}/.
func (h *StaffHandler) GroupDelete(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		NotFound(w, r)
		return
	}
	if err := h.store.DeleteGroup(r.Context(), id); err != nil {
		h.handleStoreError(w, r, err)
		return
	}

	h.mutated(r, "group", metrics.ActionDeleted, id)
	http.Redirect(w, r, h.cfg.HomeURL, http.StatusFound)
}

// GroupAddForm handles GET /staff/groupadd/.
func (h *StaffHandler) GroupAddForm(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"group": model.Group{}})
}

// GroupAdd handles POST /staff/groupadd/.
func (h *StaffHandler) GroupAdd(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeGroup(w, r)
	if !ok {
		return
	}

	group := &model.Group{Name: req.Name}
	if err := h.store.CreateGroup(r.Context(), group); err != nil {
		h.handleStoreError(w, r, err)
		return
	}

	h.mutated(r, "group", metrics.ActionCreated, group.ID)
	http.Redirect(w, r, h.cfg.HomeURL, http.StatusFound)
}

// GroupEditForm handles GET /staff/groupedit/{id}/.
func (h *StaffHandler) GroupEditForm(w http.ResponseWriter, r *http.Request) {
	group, ok := h.loadGroup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": group})
}

// GroupEdit handles POST /staff/groupedit/{id}/.
func (h *StaffHandler) GroupEdit(w http.ResponseWriter, r *http.Request) {
	group, ok := h.loadGroup(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeGroup(w, r)
	if !ok {
		return
	}

	group.Name = req.Name
	if err := h.store.UpdateGroup(r.Context(), group); err != nil {
		h.handleStoreError(w, r, err)
		return
	}

	h.mutated(r, "group", metrics.ActionUpdated, group.ID)
	http.Redirect(w, r, h.cfg.HomeURL, http.StatusFound)
}

// UserAddForm handles GET /staff/useradd/.
func (h *StaffHandler) UserAddForm(w http.ResponseWriter, r *http.Request) {
	groups, err := h.store.ListGroups(r.Context())
	if err != nil {
		h.handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UserFormResponse{Groups: groups, PasswordRequired: !h.cfg.PasswordOptional})
}

// UserAdd handles POST /staff/useradd/.
func (h *StaffHandler) UserAdd(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeUser(w, r, !h.cfg.PasswordOptional)
	if !ok {
		return
	}

	user := &model.User{
		Username:  req.Username,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		IsStaff:   req.IsStaff,
		IsActive:  req.Active(),
		GroupIDs:  req.Groups,
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			h.handleStoreError(w, r, err)
			return
		}
		now := h.now().UTC()
		user.PasswordHash = hash
		user.PasswordChangedAt = &now
	}

	if err := h.store.CreateUser(r.Context(), user); err != nil {
		h.handleStoreError(w, r, err)
		return
	}

	h.mutated(r, "user", metrics.ActionCreated, user.ID)
	http.Redirect(w, r, h.cfg.HomeURL, http.StatusFound)
}

// UserEditForm handles GET /staff/useredit/{id}/.
func (h *StaffHandler) UserEditForm(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	groups, err := h.store.ListGroups(r.Context())
	if err != nil {
		h.handleStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UserFormResponse{User: user, Groups: groups})
}

// UserEdit handles POST /staff/useredit/{id}/. A new password is optional;
// setting one logs the user out everywhere.
func (h *StaffHandler) UserEdit(w http.ResponseWriter, r *http.Request) {
	user, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeUser(w, r, false)
	if !ok {
		return
	}

	user.Username = req.Username
	user.Email = req.Email
	user.FirstName = req.FirstName
	user.LastName = req.LastName
	user.IsStaff = req.IsStaff
	user.IsActive = req.Active()
	user.GroupIDs = req.Groups

	if req.Password == "" {
		if err := h.store.UpdateUser(r.Context(), user); err != nil {
			h.handleStoreError(w, r, err)
			return
		}
	} else {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			h.handleStoreError(w, r, err)
			return
		}
		if err := h.store.UpdateUserAndPassword(r.Context(), user, hash, h.now().UTC()); err != nil {
			h.handleStoreError(w, r, err)
			return
		}
		if err := h.sessions.EndUser(r.Context(), user.ID); err != nil {
			h.logger.Warn("failed to end sessions after password reset", "user_id", user.ID, "error", err)
		}
	}

	h.mutated(r, "user", metrics.ActionUpdated, user.ID)
	http.Redirect(w, r, h.cfg.HomeURL, http.StatusFound)
}

func (h *StaffHandler) loadUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	id, err := idParam(r)
	if err != nil {
		NotFound(w, r)
		return nil, false
	}
	user, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		h.handleStoreError(w, r, err)
		return nil, false
	}
	return user, true
}

func (h *StaffHandler) loadGroup(w http.ResponseWriter, r *http.Request) (*model.Group, bool) {
	id, err := idParam(r)
	if err != nil {
		NotFound(w, r)
		return nil, false
	}
	group, err := h.store.GetGroupByID(r.Context(), id)
	if err != nil {
		h.handleStoreError(w, r, err)
		return nil, false
	}
	return group, true
}

func (h *StaffHandler) decodeGroup(w http.ResponseWriter, r *http.Request) (*model.GroupRequest, bool) {
	var req model.GroupRequest
	err := decodeBody(r, &req, func(form url.Values) error {
		req.Name = form.Get("name")
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return nil, false
	}

	req.Normalize()
	if errs := req.Validate(); len(errs) > 0 {
		writeFieldErrors(w, errs)
		return nil, false
	}
	return &req, true
}

func (h *StaffHandler) decodeUser(w http.ResponseWriter, r *http.Request, requirePassword bool) (*model.UserRequest, bool) {
	var req model.UserRequest
	err := decodeBody(r, &req, func(form url.Values) error {
		req.Username = form.Get("username")
		req.Email = form.Get("email")
		req.FirstName = form.Get("first_name")
		req.LastName = form.Get("last_name")
		req.IsStaff = formBool(form, "is_staff")
		active := formBool(form, "is_active")
		req.IsActive = &active
		req.Password = form.Get("password")
		req.Password2 = form.Get("password2")

		groups, err := formIDs(form, "groups")
		req.Groups = groups
		return err
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return nil, false
	}

	req.Normalize()
	errs := req.Validate(requirePassword)
	if len(req.Groups) > 0 {
		known, err := h.store.ListGroups(r.Context())
		if err != nil {
			h.handleStoreError(w, r, err)
			return nil, false
		}
		for _, id := range req.Groups {
			if !slices.ContainsFunc(known, func(g *model.Group) bool { return g.ID == id }) {
				errs["groups"] = "Select a valid choice."
				break
			}
		}
	}
	if len(errs) > 0 {
		writeFieldErrors(w, errs)
		return nil, false
	}
	return &req, true
}

func (h *StaffHandler) mutated(r *http.Request, entity, action string, id int64) {
	h.recorder.IncStaffMutation(entity, action)
	h.logger.Info("staff_"+entity+"_"+action,
		"id", id,
		"by", auth.MustUserFromContext(r.Context()).Username,
		"request_id", middleware.GetRequestID(r.Context()),
	)
}

// handleStoreError maps repository errors to HTTP responses.
func (h *StaffHandler) handleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
	case errors.Is(err, repository.ErrGroupNotFound):
		writeError(w, http.StatusNotFound, "GROUP_NOT_FOUND", "Group not found")
	case errors.Is(err, repository.ErrUsernameExists):
		writeError(w, http.StatusConflict, "USERNAME_TAKEN", "A user with that username already exists")
	case errors.Is(err, repository.ErrGroupNameExists):
		writeError(w, http.StatusConflict, "GROUP_NAME_TAKEN", "A group with that name already exists")
	default:
		h.logger.Error("internal_error",
			"error", err,
			"path", r.URL.Path,
			"request_id", middleware.GetRequestID(r.Context()),
		)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
	}
}
