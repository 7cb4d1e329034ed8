package main

import (
	"chat-relay/domain"
	"chat-relay/repositories"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
)

type Config struct {
	BadgerFilepath string `env:"BADGER_FILEPATH,default=./data/badger"`
}

// inspect [conversation-id] [limit]
// Without a conversation it lists every conversation of the store.
func main() {
	// 1. Load config
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		log.Fatalf("Config error: %v", err)
	}

	// 2. Open Badger in Read-Only mode
	// BypassLockGuard allows opening while a server holds the lock
	opts := badger.DefaultOptions(config.BadgerFilepath).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	store := repositories.NewBadgerStore(db, logs.GetLoggerFromLevel(slog.LevelWarn))
	ctx := context.Background()

	if len(os.Args) < 2 {
		if err := listConversations(ctx, store); err != nil {
			log.Fatalf("List failed: %v", err)
		}
		return
	}
	limit := 50
	if len(os.Args) > 2 {
		if limit, err = strconv.Atoi(os.Args[2]); err != nil {
			log.Fatalf("Invalid limit %q", os.Args[2])
		}
	}
	if err := dumpConversation(ctx, store, domain.ConversationID(os.Args[1]), limit); err != nil {
		log.Fatalf("Dump failed: %v", err)
	}
}

func listConversations(ctx context.Context, store *repositories.BadgerStore) error {
	conversations, err := store.Conversations(ctx)
	if err != nil {
		return err
	}
	table := newTable("ID", "Kind", "Members", "Created")
	for _, c := range conversations {
		members := make([]string, 0, len(c.Members))
		for _, m := range c.Members {
			members = append(members, string(m))
		}
		table.Append([]string{string(c.ID), string(c.Kind), strings.Join(members, ", "), c.CreatedAt.Format(time.RFC822)})
	}
	color.Cyan.Printf("%d conversation(s)\n", len(conversations))
	table.Render()
	return nil
}

func dumpConversation(ctx context.Context, store *repositories.BadgerStore, id domain.ConversationID, limit int) error {
	conv, err := store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	messages, err := store.ReadPage(ctx, id, 0, limit)
	if err != nil {
		return err
	}
	color.Cyan.Printf("Conversation %s (%s), %d member(s)\n", conv.ID, conv.Kind, len(conv.Members))

	table := newTable("Seq", "ID", "Sender", "Status", "Created", "Body")
	for _, m := range messages {
		table.Append([]string{
			fmt.Sprint(m.Seq),
			string(m.ID),
			string(m.SenderID),
			statusColor(m.Status).Sprint(m.Status.String()),
			m.CreatedAt.Format(time.RFC3339),
			preview(m),
		})
	}
	table.Render()
	return nil
}

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func statusColor(s domain.DeliveryStatus) color.Color {
	switch s {
	case domain.StatusRead:
		return color.Green
	case domain.StatusDelivered:
		return color.Cyan
	case domain.StatusFailed:
		return color.Red
	case domain.StatusSending:
		return color.Yellow
	default:
		return color.White
	}
}

func preview(m domain.Message) string {
	body := []rune(m.Body)
	if len(body) > 60 {
		body = append(body[:57], '.', '.', '.')
	}
	if n := len(m.Attachments); n > 0 {
		return fmt.Sprintf("%s [+%d attachment(s)]", string(body), n)
	}
	return string(body)
}
