// Package mocks provides test doubles for source clients.
package mocks

import (
	"context"

	mock "github.com/stretchr/testify/mock"

	model "github.com/sells-group/jurishealth/internal/model"
	source "github.com/sells-group/jurishealth/internal/source"
)

// MockClient is a mock type for the source.Client interface.
type MockClient struct {
	mock.Mock
}

// NewMockClient creates a MockClient reporting the given origin and
// registers expectation assertion on test cleanup.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}, origin model.Origin) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)
	m.On("Origin").Return(origin).Maybe()
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Origin provides a mock function with given fields:
func (_m *MockClient) Origin() model.Origin {
	ret := _m.Called()

	if len(ret) == 0 {
		panic("no return value specified for Origin")
	}

	return ret.Get(0).(model.Origin)
}

// FetchPage provides a mock function with given fields: ctx, cursor
func (_m *MockClient) FetchPage(ctx context.Context, cursor string) (source.Page, error) {
	ret := _m.Called(ctx, cursor)

	if len(ret) == 0 {
		panic("no return value specified for FetchPage")
	}

	if rf, ok := ret.Get(0).(func(context.Context, string) (source.Page, error)); ok {
		return rf(ctx, cursor)
	}

	var r0 source.Page
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(source.Page)
	}
	return r0, ret.Error(1)
}

var _ source.Client = (*MockClient)(nil)
