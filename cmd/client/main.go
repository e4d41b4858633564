package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

const helpText = `Commands:
  /register <user> <password>   create an account
  /login <user> <password>      start a session
  /reconnect <user> <password>  take over an existing session
  /admin <user> <password>      log in to the admin channel
  /add <user> <password>        admin: create an account
  /delete <user>                admin: delete an account
  /online                       admin: list online users
  /users                        admin: list all accounts
  /passwd <password>            admin: change the admin password
  /quit                         disconnect
Anything else is sent as a chat message.`

func main() {
	server := flag.String("server", "localhost:8081", "Relay address (host:port, ws://, wss:// or ssh://)")
	username := flag.String("user", "", "Log in as this user after connecting")
	password := flag.String("password", "", "Password for -user")
	debug := flag.Bool("debug", false, "Log connection events to stderr")
	flag.Parse()

	conn, err := client.NewConnection(*server)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}
	if *debug {
		conn.SetLogger(log.New(os.Stderr, "DEBUG: ", log.Ltime|log.Lmicroseconds))
	}

	if err := conn.Connect(); err != nil {
		log.Fatalf("Failed to connect to %s: %v", *server, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s. Type /help for commands.\n", conn.GetAddress())

	if *username != "" {
		if err := conn.Send(protocol.Login{Username: *username, Password: *password}); err != nil {
			log.Fatalf("Failed to send login: %v", err)
		}
	}

	go printFrames(conn)
	go printStateChanges(conn)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			req, quit, err := parseLine(line)
			if quit {
				return
			}
			if err != nil {
				fmt.Println(err)
				continue
			}
			if req == nil {
				continue
			}
			if err := conn.Send(req); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case <-sigChan:
			return
		}
	}
}

// parseLine turns one input line into a request
func parseLine(line string) (req protocol.Request, quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return protocol.Chat{Content: line}, false, nil
	}

	fields := strings.Fields(line)
	args := fields[1:]
	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s expects %d argument(s); see /help", fields[0], n)
		}
		return nil
	}

	switch fields[0] {
	case "/quit", "/exit":
		return nil, true, nil
	case "/help":
		fmt.Println(helpText)
		return nil, false, nil
	case "/register":
		if err := need(2); err != nil {
			return nil, false, err
		}
		return protocol.Register{Username: args[0], Password: args[1]}, false, nil
	case "/login":
		if err := need(2); err != nil {
			return nil, false, err
		}
		return protocol.Login{Username: args[0], Password: args[1]}, false, nil
	case "/reconnect":
		if err := need(2); err != nil {
			return nil, false, err
		}
		return protocol.Reconnect{Username: args[0], Password: args[1]}, false, nil
	case "/admin":
		if err := need(2); err != nil {
			return nil, false, err
		}
		return protocol.AdminLogin{Username: args[0], Password: args[1]}, false, nil
	case "/add":
		if err := need(2); err != nil {
			return nil, false, err
		}
		return protocol.AdminAddUser{Username: args[0], Password: args[1]}, false, nil
	case "/delete":
		if err := need(1); err != nil {
			return nil, false, err
		}
		return protocol.AdminDeleteUser{Username: args[0]}, false, nil
	case "/online":
		return protocol.AdminGetOnlineUsers{}, false, nil
	case "/users":
		return protocol.AdminGetAllUsers{}, false, nil
	case "/passwd":
		if err := need(1); err != nil {
			return nil, false, err
		}
		return protocol.AdminChangePassword{NewPassword: args[0]}, false, nil
	}
	return nil, false, fmt.Errorf("unknown command %s; see /help", fields[0])
}

func printFrames(conn *client.Connection) {
	for f := range conn.Incoming() {
		switch {
		case f.IsResponse():
			status := "ok"
			if !f.Succeeded() {
				status = "failed"
			}
			fmt.Printf("[%s %s] %s\n", f.Action, status, f.Message)
		case f.Type == protocol.TypeMessage:
			fmt.Printf("%s <%s> %s\n", formatTimestamp(f.Timestamp), f.Sender, f.Content)
		case f.Type == protocol.TypeOfflineMessages:
			fmt.Printf("-- %d message(s) while you were away --\n", len(f.Messages))
			for _, m := range f.Messages {
				fmt.Printf("%s <%s> %s\n", formatTimestamp(m.Timestamp), m.Sender, m.Content)
			}
		case f.Type == protocol.TypeOnlineUsersList:
			fmt.Printf("Online (%d): %s\n", f.Count, strings.Join(f.Users, ", "))
		case f.Type == protocol.TypeAllUsersList:
			fmt.Printf("Accounts (%d): %s\n", f.Count, strings.Join(f.Users, ", "))
		}
	}
}

func printStateChanges(conn *client.Connection) {
	for update := range conn.StateChanges() {
		switch update.State {
		case client.StateTypeDisconnected:
			fmt.Println("! disconnected, retrying...")
		case client.StateTypeReconnecting:
			fmt.Printf("! reconnect attempt %d\n", update.Attempt)
		case client.StateTypeConnected:
			fmt.Println("! reconnected")
		}
	}
}

func formatTimestamp(ms int64) string {
	return time.UnixMilli(ms).Format("15:04:05")
}
