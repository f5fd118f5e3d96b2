// Package testhelpers holds fixtures shared by package tests.
package testhelpers

import (
	"testing"

	"github.com/xiaot623/gogo/agui/internal/repository"
)

// NewTestSQLiteStore opens an in-memory store closed at test cleanup.
func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
