package mocks

import (
	"testing"

	"go.uber.org/mock/gomock"
)

// NewMockLedgerForTest creates a new mock Ledger for testing
func NewMockLedgerForTest(t *testing.T) *MockLedger {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	return NewMockLedger(ctrl)
}
