package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ratticdb/rattic/internal/model"
	"github.com/ratticdb/rattic/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory repository for handler tests.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*model.User
	groups map[int64]*model.Group

	passwords  map[int64]string
	lastLogins map[int64]time.Time

	// passwordErr fails password writes.
	passwordErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[int64]*model.User{},
		groups:     map[int64]*model.Group{},
		passwords:  map[int64]string{},
		lastLogins: map[int64]time.Time{},
	}
}

func (s *fakeStore) addUser(u *model.User) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	u.ID = s.nextID
	s.users[u.ID] = u
	return u
}

func (s *fakeStore) addGroup(name string) *model.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	g := &model.Group{ID: s.nextID, Name: name}
	s.groups[g.ID] = g
	return g
}

func (s *fakeStore) ListUsers(context.Context) ([]*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *fakeStore) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) usernameTaken(name string, except int64) bool {
	for _, u := range s.users {
		if u.Username == name && u.ID != except {
			return true
		}
	}
	return false
}

func (s *fakeStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usernameTaken(u.Username, 0) {
		return repository.ErrUsernameExists
	}
	s.nextID++
	u.ID = s.nextID
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return repository.ErrUserNotFound
	}
	if s.usernameTaken(u.Username, u.ID) {
		return repository.ErrUsernameExists
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateUserAndPassword(_ context.Context, u *model.User, hash string, changedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return repository.ErrUserNotFound
	}
	if s.usernameTaken(u.Username, u.ID) {
		return repository.ErrUsernameExists
	}
	if s.passwordErr != nil {
		return s.passwordErr
	}
	cp := *u
	cp.PasswordHash = hash
	cp.PasswordChangedAt = &changedAt
	s.users[u.ID] = &cp
	s.passwords[u.ID] = hash
	return nil
}

func (s *fakeStore) SetPassword(_ context.Context, id int64, hash string, changedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.PasswordHash = hash
	u.PasswordChangedAt = &changedAt
	s.passwords[id] = hash
	return nil
}

func (s *fakeStore) UpdateLastLogin(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLogins[id] = at
	return nil
}

func (s *fakeStore) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return repository.ErrUserNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *fakeStore) ListGroups(context.Context) ([]*model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fakeStore) GetGroupByID(_ context.Context, id int64) (*model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, repository.ErrGroupNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *fakeStore) ListGroupMembers(_ context.Context, groupID int64) ([]*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.User
	for _, u := range s.users {
		if u.InGroup(groupID) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *fakeStore) groupNameTaken(name string, except int64) bool {
	for _, g := range s.groups {
		if g.Name == name && g.ID != except {
			return true
		}
	}
	return false
}

func (s *fakeStore) CreateGroup(_ context.Context, g *model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groupNameTaken(g.Name, 0) {
		return repository.ErrGroupNameExists
	}
	s.nextID++
	g.ID = s.nextID
	cp := *g
	s.groups[g.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateGroup(_ context.Context, g *model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; !ok {
		return repository.ErrGroupNotFound
	}
	if s.groupNameTaken(g.Name, g.ID) {
		return repository.ErrGroupNameExists
	}
	cp := *g
	s.groups[g.ID] = &cp
	return nil
}

func (s *fakeStore) DeleteGroup(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return repository.ErrGroupNotFound
	}
	delete(s.groups, id)
	return nil
}

// fakeSessions records session calls instead of touching Redis.
type fakeSessions struct {
	started  []string
	ended    int
	endedFor []int64
	saved    []*model.Session
	startErr error
}

func (f *fakeSessions) Start(w http.ResponseWriter, _ *http.Request, user *model.User, backend string) (*model.Session, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, user.Username+"/"+backend)
	http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "new", Path: "/"})
	return &model.Session{ID: "new", UserID: user.ID, Backend: backend}, nil
}

func (f *fakeSessions) End(http.ResponseWriter, *http.Request) error {
	f.ended++
	return nil
}

func (f *fakeSessions) EndUser(_ context.Context, userID int64) error {
	f.endedFor = append(f.endedFor, userID)
	return nil
}

func (f *fakeSessions) Save(_ context.Context, s *model.Session) error {
	f.saved = append(f.saved, s)
	return nil
}
