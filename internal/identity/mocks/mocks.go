// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

// Package mocks provides testify mocks for identity interfaces.
package mocks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/Mystikil/Thenexusv2/internal/identity"
)

// MockUserRepository is a mock identity.UserRepository.
type MockUserRepository struct {
	mock.Mock
}

// NewMockUserRepository creates a MockUserRepository that asserts its
// expectations during test cleanup.
func NewMockUserRepository(t *testing.T) *MockUserRepository {
	m := &MockUserRepository{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockUserRepository) Create(ctx context.Context, user *identity.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id int64) (*identity.User, error) {
	args := m.Called(ctx, id)
	if u := args.Get(0); u != nil {
		return u.(*identity.User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	args := m.Called(ctx, email)
	if u := args.Get(0); u != nil {
		return u.(*identity.User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUserRepository) GetByAccountID(ctx context.Context, accountID int64) (*identity.User, error) {
	args := m.Called(ctx, accountID)
	if u := args.Get(0); u != nil {
		return u.(*identity.User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUserRepository) Update(ctx context.Context, user *identity.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	args := m.Called(ctx, id, passwordHash)
	return args.Error(0)
}

func (m *MockUserRepository) SetAccountID(ctx context.Context, id int64, accountID *int64) error {
	args := m.Called(ctx, id, accountID)
	return args.Error(0)
}

func (m *MockUserRepository) ListByAccountIDs(ctx context.Context, accountIDs []int64) ([]*identity.User, error) {
	args := m.Called(ctx, accountIDs)
	if u := args.Get(0); u != nil {
		return u.([]*identity.User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUserRepository) SearchByEmail(ctx context.Context, fragment string, limit int) ([]*identity.User, error) {
	args := m.Called(ctx, fragment, limit)
	if u := args.Get(0); u != nil {
		return u.([]*identity.User), args.Error(1)
	}
	return nil, args.Error(1)
}

var _ identity.UserRepository = (*MockUserRepository)(nil)

// MockAccountRepository is a mock identity.AccountRepository.
type MockAccountRepository struct {
	mock.Mock
}

// NewMockAccountRepository creates a MockAccountRepository that asserts its
// expectations during test cleanup.
func NewMockAccountRepository(t *testing.T) *MockAccountRepository {
	m := &MockAccountRepository{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockAccountRepository) Create(ctx context.Context, account *identity.Account) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockAccountRepository) GetByID(ctx context.Context, id int64) (*identity.Account, error) {
	args := m.Called(ctx, id)
	if a := args.Get(0); a != nil {
		return a.(*identity.Account), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccountRepository) GetByName(ctx context.Context, name string) (*identity.Account, error) {
	args := m.Called(ctx, name)
	if a := args.Get(0); a != nil {
		return a.(*identity.Account), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccountRepository) GetByEmail(ctx context.Context, email string) (*identity.Account, error) {
	args := m.Called(ctx, email)
	if a := args.Get(0); a != nil {
		return a.(*identity.Account), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccountRepository) UpdatePassword(ctx context.Context, id int64, password, salt string) error {
	args := m.Called(ctx, id, password, salt)
	return args.Error(0)
}

func (m *MockAccountRepository) SetRecoveryKey(ctx context.Context, id int64, hash []byte) error {
	args := m.Called(ctx, id, hash)
	return args.Error(0)
}

func (m *MockAccountRepository) ClearRecoveryKey(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockAccountRepository) SearchByName(ctx context.Context, fragment string, limit int) ([]*identity.Account, error) {
	args := m.Called(ctx, fragment, limit)
	if a := args.Get(0); a != nil {
		return a.([]*identity.Account), args.Error(1)
	}
	return nil, args.Error(1)
}

var _ identity.AccountRepository = (*MockAccountRepository)(nil)

// PassthroughTransactor satisfies identity.Transactor by invoking fn with a
// fixed pair of repositories, with no real transaction underneath. Tests use
// it to exercise transactional flows against mocks.
type PassthroughTransactor struct {
	Users    identity.UserRepository
	Accounts identity.AccountRepository
	Calls    int
}

func (t *PassthroughTransactor) InTx(ctx context.Context, fn func(users identity.UserRepository, accounts identity.AccountRepository) error) error {
	t.Calls++
	return fn(t.Users, t.Accounts)
}

var _ identity.Transactor = (*PassthroughTransactor)(nil)
