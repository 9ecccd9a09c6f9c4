package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestIsRetryableTxError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization", &pq.Error{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("update: %w", &pq.Error{Code: "40P01"}), true},
		{"unique", &pq.Error{Code: "23505"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryableTxError(tc.err); got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})) {
		t.Error("Expected wrapped 23505 to be a unique violation")
	}
	if IsUniqueViolation(&pq.Error{Code: "40001"}) {
		t.Error("Expected 40001 not to be a unique violation")
	}
}
