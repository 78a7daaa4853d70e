// chatline CLI - command line client for a chatline server
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eldtechnologies/chatline/clients/go/chatline"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	client := chatline.NewClient(os.Getenv("CHATLINE_URL"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "stats":
		resp, err := client.Stats(ctx)
		exitOnError(err)
		printJSON(resp)

	case "users":
		resp, err := client.Users(ctx)
		exitOnError(err)
		for _, u := range resp.Users {
			state := "offline"
			if u.Online {
				state = "online"
			}
			fmt.Printf("  %-20s %s\n", u.Identity, state)
		}
		fmt.Printf("%d known, %d online\n", resp.Total, resp.Online)

	case "who":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chatline who <identity>")
			os.Exit(1)
		}
		resp, err := client.Who(ctx, os.Args[2])
		exitOnError(err)
		printJSON(resp)

	case "history":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: chatline history <user1> <user2>")
			os.Exit(1)
		}
		resp, err := client.History(ctx, os.Args[2], os.Args[3])
		exitOnError(err)
		for _, msg := range resp.Messages {
			printMessage(msg)
		}

	case "chat":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: chatline chat <me> <peer>")
			os.Exit(1)
		}
		exitOnError(chat(ctx, client, os.Args[2], os.Args[3]))

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// chat prints the conversation so far, then sends each stdin line to peer
// while printing incoming events.
func chat(ctx context.Context, client *chatline.Client, me, peer string) error {
	conn, err := client.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Identify(ctx, me); err != nil {
		return err
	}
	history, err := conn.History(ctx, peer)
	if err != nil {
		return err
	}
	for _, msg := range history {
		printMessage(msg)
	}
	if _, err := conn.ReadAck(ctx, peer); err != nil {
		return err
	}

	go func() {
		for evt := range conn.Events() {
			switch evt.Type {
			case chatline.EventMessage:
				msg, err := evt.Message()
				if err != nil || (msg.From != peer && msg.To != peer) {
					continue
				}
				if msg.From == peer {
					printMessage(msg)
					_, _ = conn.ReadAck(ctx, peer)
				}
			case chatline.EventTypingChanged:
				if from, active, err := evt.Typing(); err == nil && from == peer && active {
					fmt.Printf("  (%s is typing...)\n", peer)
				}
			case chatline.EventReadStateChanged:
				if by, err := evt.ReadBy(); err == nil && by == peer {
					fmt.Printf("  (%s read your messages)\n", peer)
				}
			case chatline.EventPresenceChanged:
				if u, err := evt.Presence(); err == nil && u.Identity == peer {
					state := "offline"
					if u.Online {
						state = "online"
					}
					fmt.Printf("  (%s is %s)\n", peer, state)
				}
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return conn.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := conn.Send(ctx, peer, line); err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
			}
		}
	}
}

func usage() {
	fmt.Println(`chatline CLI - direct messaging client

Usage: chatline <command> [options]

Commands:
  chat <me> <peer>          Chat with peer as me (one message per line)
  history <user1> <user2>   Print a conversation
  users                     List known identities
  who <identity>            Show presence of an identity
  stats                     Show server counters
  health                    Check server health

Environment:
  CHATLINE_URL   Server URL (default: http://localhost:8080)`)
}

func printMessage(msg chatline.Message) {
	mark := ""
	if msg.Read {
		mark = " ✓"
	}
	fmt.Printf("[%s] %s: %s%s\n", msg.CreatedAt.Local().Format(time.DateTime), msg.From, msg.Content, mark)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
