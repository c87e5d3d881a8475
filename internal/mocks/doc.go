// Package mocks provides centralized mock implementations for testing.
//
// This package contains mock implementations of interfaces used throughout the application,
// facilitating consistent and DRY testing across the codebase. Instead of defining
// inline mocks in individual test files, these standardized mock implementations
// can be reused.
//
// Each mock exposes a function field per interface method (CreateFn, GetByIDFn,
// and so on). When the field is set, the mock delegates to it; otherwise a
// default in-memory implementation applies, which is enough for most worker
// and service tests.
//
// Usage:
//
//	import "github.com/phrazzld/applyq/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    tasks := mocks.NewMockTaskStore()
//	    tasks.MarkProcessingFn = func(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
//	        return nil, store.ErrTaskNotClaimable
//	    }
//
//	    // Use the mock in your test...
//	}
//
// When adding a new mock to this package:
//  1. Create a new file named after the interface being mocked
//  2. Implement the mock struct with function fields for each interface method
//  3. Document any helper methods or special functionality
//  4. Update existing tests to use the centralized mock implementation
package mocks
