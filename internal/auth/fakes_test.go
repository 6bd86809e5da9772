package auth

import (
	"context"
	"sync"
	"time"

	"github.com/anandg3302/Unified-Calendar/internal/store"
)

type fakeUsers struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*store.User
	getErr error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{nextID: 1, byID: map[int64]*store.User{}}
}

func (f *fakeUsers) Create(_ context.Context, email, name string, passwordHash *string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Email == email {
			return nil, store.ErrConflict
		}
	}
	u := &store.User{ID: f.nextID, Email: email, Name: name, PasswordHash: passwordHash}
	f.nextID++
	f.byID[u.ID] = u
	return u, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (*store.User, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeUsers) UpsertByEmail(ctx context.Context, email, name string) (*store.User, error) {
	if u, err := f.GetByEmail(ctx, email); err == nil {
		return u, nil
	}
	return f.Create(ctx, email, name, nil)
}

func (f *fakeUsers) SetGoogleCredentials(_ context.Context, id int64, refreshToken string, scopes []string, refreshedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if refreshToken != "" {
		u.GoogleRefreshToken = &refreshToken
	}
	u.GoogleScopes = scopes
	u.GoogleTokenRefreshedAt = &refreshedAt
	return nil
}

func (f *fakeUsers) ClearGoogleCredentials(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		u.GoogleRefreshToken = nil
		u.GoogleScopes = nil
	}
	return nil
}

type memStates struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemStates() *memStates { return &memStates{values: map[string]string{}} }

func (m *memStates) Put(_ context.Context, state, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[state] = value
	return nil
}

func (m *memStates) Consume(_ context.Context, state string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[state]
	if !ok {
		return "", context.DeadlineExceeded
	}
	delete(m.values, state)
	return v, nil
}
