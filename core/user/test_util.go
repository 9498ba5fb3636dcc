package user

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// RepositoryMock is an in-memory Repository for tests.
type RepositoryMock struct {
	mutex sync.RWMutex
	Users map[string]User // keyed by ID
}

var _ Repository = (*RepositoryMock)(nil)

func NewRepositoryMock() *RepositoryMock {
	return &RepositoryMock{Users: make(map[string]User)}
}

func (repo *RepositoryMock) CreateUser(_ context.Context, usr User) (User, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	for _, u := range repo.Users {
		if u.Username == usr.Username || u.Email == usr.Email {
			return User{}, ErrUserExists
		}
	}
	usr.ID = uuid.New().String()
	repo.Users[usr.ID] = usr
	return usr, nil
}

func (repo *RepositoryMock) GetUserByID(_ context.Context, id string) (User, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()
	usr, ok := repo.Users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return usr, nil
}

func (repo *RepositoryMock) GetUserByUsernameOrEmail(_ context.Context, uname string) (User, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()
	for _, usr := range repo.Users {
		if usr.Username == uname || usr.Email == uname {
			return usr, nil
		}
	}
	return User{}, ErrNotFound
}

func (repo *RepositoryMock) SetLastLogin(_ context.Context, usr User) (User, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	repo.Users[usr.ID] = usr
	return usr, nil
}

func (repo *RepositoryMock) ResetUserPassword(_ context.Context, usr User) error {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	if _, ok := repo.Users[usr.ID]; !ok {
		return ErrNotFound
	}
	repo.Users[usr.ID] = usr
	return nil
}
