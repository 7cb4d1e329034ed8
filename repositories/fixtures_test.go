package repositories

import (
	"chat-relay/domain"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConversations(t *testing.T) {
	req := require.New(t)
	raw := []byte(`
conversations:
  - id: general
    kind: group
    members: [alice, bob, carol]
  - id: alice-bob
    kind: direct
    members: [alice, bob]
`)
	conversations, err := ParseConversations(raw)
	req.NoError(err)
	req.Len(conversations, 2)
	req.Equal(domain.KindGroup, conversations[0].Kind)
	req.Equal([]domain.UserID{"alice", "bob", "carol"}, conversations[0].Members)
	req.True(conversations[1].IsMember("bob"))
}

func TestParseConversations_Rejects_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown kind", "conversations:\n  - id: x\n    kind: channel\n    members: [a]\n"},
		{"missing id", "conversations:\n  - kind: group\n    members: [a]\n"},
		{"duplicate member", "conversations:\n  - id: x\n    kind: group\n    members: [a, a]\n"},
		{"direct with three members", "conversations:\n  - id: x\n    kind: direct\n    members: [a, b, c]\n"},
		{"not yaml", "conversations: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConversations([]byte(tt.raw))
			require.Error(t, err)
		})
	}
}

func TestLoadConversations_Seeds_Store(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "conversations.yaml")
	req.NoError(os.WriteFile(path, []byte("conversations:\n  - id: general\n    kind: group\n    members: [alice, bob]\n"), 0o600))

	conversations, err := LoadConversations(path)
	req.NoError(err)

	store := newTestStore(t)
	req.NoError(SeedConversations(context.Background(), store, conversations))
	got, err := store.GetConversation(context.Background(), "general")
	req.NoError(err)
	req.Equal([]domain.UserID{"alice", "bob"}, got.Members)
}
