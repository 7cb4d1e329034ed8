package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"auth", fmt.Errorf("%w: expired", ErrAuth), CodeAuth},
		{"not a member", ErrNotAMember, CodeNotAMember},
		{"invalid cursor is a protocol error", ErrInvalidCursor, CodeProtocol},
		{"persistence", fmt.Errorf("%w: disk full", ErrPersistence), CodePersistence},
		{"missing message", ErrMessageNotFound, CodeNotFound},
		{"unknown", fmt.Errorf("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Code(tt.err))
		})
	}
}
