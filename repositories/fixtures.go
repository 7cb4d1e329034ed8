package repositories

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type conversationFile struct {
	Conversations []conversationFixture `yaml:"conversations" validate:"dive"`
}

type conversationFixture struct {
	ID      string   `yaml:"id" validate:"required"`
	Kind    string   `yaml:"kind" validate:"required,oneof=direct group"`
	Members []string `yaml:"members" validate:"required,min=1,unique,dive,required"`
}

// LoadConversations reads conversation reference data from a YAML file.
//
//	conversations:
//	  - id: general
//	    kind: group
//	    members: [alice, bob, carol]
func LoadConversations(path string) ([]domain.Conversation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConversations(raw)
}

func ParseConversations(raw []byte) ([]domain.Conversation, error) {
	var file conversationFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse conversations: %w", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid conversations: %w", err)
	}
	now := time.Now().UTC()
	conversations := make([]domain.Conversation, 0, len(file.Conversations))
	for _, f := range file.Conversations {
		if f.Kind == string(domain.KindDirect) && len(f.Members) != 2 {
			return nil, fmt.Errorf("direct conversation %q must have exactly 2 members", f.ID)
		}
		members := make([]domain.UserID, 0, len(f.Members))
		for _, m := range f.Members {
			members = append(members, domain.UserID(m))
		}
		conversations = append(conversations, domain.Conversation{
			ID:        domain.ConversationID(f.ID),
			Kind:      domain.Kind(f.Kind),
			Members:   members,
			CreatedAt: now,
		})
	}
	return conversations, nil
}

// SeedConversations saves every conversation into store.
func SeedConversations(ctx context.Context, store contract.ConversationStore, conversations []domain.Conversation) error {
	for _, c := range conversations {
		if err := store.SaveConversation(ctx, c); err != nil {
			return fmt.Errorf("seed conversation %s: %w", c.ID, err)
		}
	}
	return nil
}
