package mocks

import (
	"context"

	"github.com/brettbedarf/memfs"
	"github.com/stretchr/testify/mock"
)

// MockFileBinding implements memfs.FileBinding for testing across packages
type MockFileBinding struct {
	mock.Mock
}

func (m *MockFileBinding) Open(id uint64) (memfs.StorageHandle, error) {
	args := m.Called(id)

	// Handle function return types (for complex tests)
	if fn, ok := args.Get(0).(func(uint64) memfs.StorageHandle); ok {
		return fn(id), args.Error(1)
	}

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(memfs.StorageHandle), args.Error(1)
}

var _ memfs.FileBinding = (*MockFileBinding)(nil)

// MockStorageHandle implements memfs.StorageHandle for testing across packages
type MockStorageHandle struct {
	mock.Mock
}

func (m *MockStorageHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	args := m.Called(ctx, p, off)

	// Handle function return types (for complex tests)
	if fn, ok := args.Get(0).(func(context.Context, []byte, int64) int); ok {
		return fn(ctx, p, off), args.Error(1)
	}

	// Handle nil returns
	if args.Get(0) == nil {
		return 0, args.Error(1)
	}
	return args.Int(0), args.Error(1)
}

func (m *MockStorageHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	args := m.Called(ctx, p, off)

	if fn, ok := args.Get(0).(func(context.Context, []byte, int64) int); ok {
		return fn(ctx, p, off), args.Error(1)
	}

	if args.Get(0) == nil {
		return 0, args.Error(1)
	}
	return args.Int(0), args.Error(1)
}

func (m *MockStorageHandle) Truncate(ctx context.Context, size int64) error {
	args := m.Called(ctx, size)
	return args.Error(0)
}

func (m *MockStorageHandle) Size() int64 {
	args := m.Called()
	return args.Get(0).(int64)
}

func (m *MockStorageHandle) Map(ctx context.Context, off int64, length int, writable bool) (memfs.Mapping, error) {
	args := m.Called(ctx, off, length, writable)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(memfs.Mapping), args.Error(1)
}

func (m *MockStorageHandle) Release() error {
	args := m.Called()
	return args.Error(0)
}

var _ memfs.StorageHandle = (*MockStorageHandle)(nil)
