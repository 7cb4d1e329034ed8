package main

import (
	"chat-relay/auth"
	"chat-relay/client"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/gookit/color"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	ServerURL    string        `envconfig:"SERVER_URL" default:"ws://localhost:8080/ws"`
	JWTSecret    string        `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer    string        `envconfig:"JWT_ISSUER" default:"chat-relay"`
	Conversation string        `envconfig:"CONVERSATION" default:"general"`
	Users        []string      `envconfig:"USERS" default:"alice,bob,carol"`
	Messages     int           `envconfig:"MESSAGES" default:"10"`
	Timeout      time.Duration `envconfig:"TIMEOUT" default:"30s"`
	// TESTER_COLOURS enables colorized output
	Colours bool `envconfig:"COLOURS" default:"true"`
}

type result struct {
	user     domain.UserID
	sent     int
	received atomic.Int64
	latency  atomic.Int64 // sum of ack latencies in microseconds
}

// tester connects every user to one conversation, has each of them send
// MESSAGES messages and checks that everybody received everybody else's.
func main() {
	var config Config
	if err := envconfig.Process("TESTER", &config); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(2)
	}
	color.Enable = config.Colours
	if err := run(config); err != nil {
		color.Red.Printf("FAILED: %v\n", err)
		os.Exit(1)
	}
	color.Green.Println("OK")
}

func run(config Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	verifier := auth.NewVerifier(config.JWTSecret, config.JWTIssuer)
	conv := domain.ConversationID(config.Conversation)

	clients := make([]*client.Client, len(config.Users))
	results := make([]*result, len(config.Users))
	for i, user := range config.Users {
		token, err := verifier.GenerateToken(domain.UserID(user), time.Hour)
		if err != nil {
			return err
		}
		c, err := client.Dial(ctx, config.ServerURL, token)
		if err != nil {
			return err
		}
		defer c.Close()
		if _, err := c.Join(conv); err != nil {
			return err
		}
		if _, err := c.Next(ctx, client.Is[event.Joined]); err != nil {
			return fmt.Errorf("%s could not join %s: %w", user, conv, err)
		}
		clients[i] = c
		results[i] = &result{user: domain.UserID(user)}
		color.Cyan.Printf("%s joined %s\n", user, conv)
	}

	expected := int64((len(config.Users) - 1) * config.Messages)
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clients {
		res := results[i]
		g.Go(func() error {
			acks := make(chan time.Time, config.Messages)
			// Reader: counts messages from others and measures ack latency
			readErr := make(chan error, 1)
			go func() {
				pending := 0
				for res.received.Load() < expected || pending < config.Messages {
					e, err := c.Next(gctx, nil)
					if err != nil {
						readErr <- err
						return
					}
					switch e := e.(type) {
					case event.MessageCreated:
						if e.Message.SenderID != res.user {
							res.received.Add(1)
						}
					case event.Ack:
						pending++
						res.latency.Add(time.Since(<-acks).Microseconds())
					case event.Error:
						readErr <- fmt.Errorf("%s got %s: %s", res.user, e.Code, e.Message)
						return
					}
				}
				readErr <- nil
			}()
			for n := 0; n < config.Messages; n++ {
				acks <- time.Now()
				if _, err := c.Send(conv, fmt.Sprintf("%s #%d", res.user, n), uuid.NewString()); err != nil {
					return err
				}
				res.sent++
			}
			return <-readErr
		})
	}
	err := g.Wait()

	for _, res := range results {
		avg := time.Duration(0)
		if res.sent > 0 {
			avg = time.Duration(res.latency.Load()/int64(res.sent)) * time.Microsecond
		}
		line := fmt.Sprintf("%-10s sent=%d received=%d/%d avg_ack=%s", res.user, res.sent, res.received.Load(), expected, avg)
		if res.received.Load() == expected {
			color.Green.Println(line)
		} else {
			color.Yellow.Println(line)
		}
	}
	return err
}
