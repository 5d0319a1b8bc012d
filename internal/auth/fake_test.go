package auth

import (
	"context"
	"sync"
	"time"

	"github.com/ratticdb/rattic/internal/model"
	"github.com/ratticdb/rattic/internal/repository"
)

// fakeUsers is an in-memory UserStore.
type fakeUsers struct {
	mu     sync.Mutex
	users  map[string]*model.User
	groups map[string]*model.Group
	nextID int64
}

func newFakeUsers(users ...*model.User) *fakeUsers {
	f := &fakeUsers{users: map[string]*model.User{}, groups: map[string]*model.Group{}}
	for _, u := range users {
		f.nextID++
		u.ID = f.nextID
		f.users[u.Username] = u
	}
	return f
}

func (f *fakeUsers) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUsers) CreateUser(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.Username]; ok {
		return repository.ErrUsernameExists
	}
	f.nextID++
	user.ID = f.nextID
	copied := *user
	f.users[user.Username] = &copied
	return nil
}

func (f *fakeUsers) UpdateUser(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.Username]; !ok {
		return repository.ErrUserNotFound
	}
	copied := *user
	f.users[user.Username] = &copied
	return nil
}

func (f *fakeUsers) SetPassword(_ context.Context, id int64, hash string, changedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == id {
			u.PasswordHash = hash
			u.PasswordChangedAt = &changedAt
			return nil
		}
	}
	return repository.ErrUserNotFound
}

func (f *fakeUsers) GetOrCreateGroup(_ context.Context, name string) (*model.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.groups[name]; ok {
		return g, nil
	}
	f.nextID++
	g := &model.Group{ID: f.nextID, Name: name}
	f.groups[name] = g
	return g, nil
}

func (f *fakeUsers) get(username string) *model.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[username]
}
