package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.ToLower(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum)))

// generateUsername combines fragments of two random words with a short
// random suffix so concurrent runs don't collide
func generateUsername() string {
	fragment := func() string {
		word := loremWords[rand.Intn(len(loremWords))]
		n := len(word)
		if n > 6 {
			n = 3 + rand.Intn(4) // 3-6 chars
		}
		return word[:n]
	}
	return fragment() + fragment() + "-" + uuid.NewString()[:6]
}

func randomContent() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted   atomic.Int64
	messagesReceived atomic.Int64
	messagesFailed   atomic.Int64
	totalLatency     atomic.Int64 // delivery latency in microseconds
	loginTime        atomic.Int64 // in microseconds
	logins           atomic.Int64
	offlineDelivered atomic.Int64
	connectionErrors atomic.Int64

	// Detailed failure tracking
	loginFailures  atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordPosted() {
	s.messagesPosted.Add(1)
}

func (s *Stats) recordReceived(latencyUs int64) {
	s.messagesReceived.Add(1)
	if latencyUs > 0 {
		s.totalLatency.Add(latencyUs)
	}
}

func (s *Stats) recordLogin(responseTimeUs int64) {
	s.logins.Add(1)
	s.loginTime.Add(responseTimeUs)
}

func (s *Stats) recordFailure() {
	s.messagesFailed.Add(1)
}

func (s *Stats) recordLoginFailure() {
	s.loginFailures.Add(1)
}

func (s *Stats) recordTimeout() {
	s.timeouts.Add(1)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (posted, received, failed, connErrors int64, avgLatencyUs float64) {
	posted = s.messagesPosted.Load()
	received = s.messagesReceived.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if received > 0 {
		avgLatencyUs = float64(s.totalLatency.Load()) / float64(received)
	}
	return
}

// BotClient is a scripted user: it registers, logs in and chats
type BotClient struct {
	id       int
	username string
	password string
	conn     *client.Connection
	stats    *Stats
	wg       sync.WaitGroup
}

func NewBotClient(id int, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	conn.DisableAutoReconnect()

	return &BotClient{
		id:       id,
		username: generateUsername(),
		password: uuid.NewString(),
		conn:     conn,
		stats:    stats,
	}, nil
}

// awaitResponse waits for the response to action, counting chat that
// arrives in the meantime
func (bc *BotClient) awaitResponse(action string, timeout time.Duration) (client.Frame, error) {
	deadline := time.After(timeout)
	for {
		select {
		case frame, ok := <-bc.conn.Incoming():
			if !ok {
				bc.stats.recordDisconnection()
				return client.Frame{}, fmt.Errorf("connection closed")
			}
			if frame.IsResponse() && frame.Action == action {
				return frame, nil
			}
			bc.observe(frame)
		case <-deadline:
			bc.stats.recordTimeout()
			return client.Frame{}, fmt.Errorf("timeout waiting for %s response", action)
		}
	}
}

// observe records delivery latency for broadcast chat
func (bc *BotClient) observe(frame client.Frame) {
	if msg, ok := frame.Chat(); ok {
		latency := time.Since(time.UnixMilli(msg.Timestamp)).Microseconds()
		bc.stats.recordReceived(latency)
		return
	}
	if frame.Type == protocol.TypeOfflineMessages {
		bc.stats.offlineDelivered.Add(int64(len(frame.Messages)))
	}
}

func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(); err != nil {
		bc.stats.recordConnectionError()
		return err
	}

	if err := bc.conn.Send(protocol.Register{Username: bc.username, Password: bc.password}); err != nil {
		return err
	}
	frame, err := bc.awaitResponse(protocol.ActionRegister, 5*time.Second)
	if err != nil {
		return err
	}
	if !frame.Succeeded() {
		bc.stats.recordLoginFailure()
		return fmt.Errorf("register rejected: %s", frame.Message)
	}

	start := time.Now()
	if err := bc.conn.Send(protocol.Login{Username: bc.username, Password: bc.password}); err != nil {
		return err
	}
	frame, err = bc.awaitResponse(protocol.ActionLogin, 5*time.Second)
	if err != nil {
		return err
	}
	if !frame.Succeeded() {
		bc.stats.recordLoginFailure()
		return fmt.Errorf("login rejected: %s", frame.Message)
	}
	bc.stats.recordLogin(time.Since(start).Microseconds())

	return nil
}

// receive drains incoming frames until the connection closes
func (bc *BotClient) receive() {
	defer bc.wg.Done()
	for frame := range bc.conn.Incoming() {
		bc.observe(frame)
	}
}

func (bc *BotClient) PostRandomMessage() error {
	if err := bc.conn.Send(protocol.Chat{Content: randomContent()}); err != nil {
		bc.stats.recordFailure()
		return err
	}
	bc.stats.recordPosted()
	return nil
}

func (bc *BotClient) Run(duration time.Duration, minDelay, maxDelay time.Duration, shutdownDelay time.Duration, stop <-chan struct{}) {
	defer func() {
		bc.conn.Close()
		bc.wg.Wait()
	}()

	bc.wg.Add(1)
	go bc.receive()

	go func() {
		for err := range bc.conn.Errors() {
			if errors.Is(err, client.ErrDisconnected) {
				bc.stats.recordDisconnection()
			}
		}
	}()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if !bc.conn.IsConnected() {
			return
		}
		bc.PostRandomMessage()

		// Random delay between posts
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-stop:
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-stop:
		}
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:8081", "Relay address (host:port, ws://, wss:// or ssh://)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	if *numClients < 1 {
		log.Fatal("-clients must be at least 1")
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	// Start stats reporter
	startTime := time.Now()
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				posted, received, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d posted (%.1f/s), %d delivered (%.1f/s), %d failed, %d conn errors, avg latency %.2fms",
					posted, float64(posted)/elapsed, received, float64(received)/elapsed, failed, connErrors, avgUs/1000.0)
			case <-stop:
				return
			}
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopAll()
	}()

	// Spawn clients
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Calculate shutdown delay for this bot (reverse order for ramp-down)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats)
			if err != nil {
				stats.recordConnectionError()
				return
			}

			if err := bot.Connect(); err != nil {
				if id%100 == 0 {
					log.Printf("[Bot %d] Setup failed: %v", id, err)
				}
				bot.conn.Close()
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.username)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, stop)
		}(i, shutdownDelay)

		// Stagger client connections based on calculated delay
		select {
		case <-time.After(staggerDelay):
		case <-stop:
			break spawn
		}
	}

	// Wait for all clients to finish
	wg.Wait()
	stopAll()
	<-reporterDone

	// Final stats
	posted, received, failed, connErrors, avgUs := stats.snapshot()
	totalDuration := time.Since(startTime)
	avgLoginMs := 0.0
	if logins := stats.logins.Load(); logins > 0 {
		avgLoginMs = float64(stats.loginTime.Load()) / float64(logins) / 1000.0
	}

	// Every post fans out to every other online bot
	expectedDeliveries := posted * int64(*numClients-1)
	efficiency := 0.0
	if expectedDeliveries > 0 {
		efficiency = float64(received) / float64(expectedDeliveries) * 100
	}

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", totalDuration.Round(time.Millisecond))
	log.Printf("Logins: %d (avg %.2fms)", stats.logins.Load(), avgLoginMs)
	log.Printf("Messages posted: %d (%.1f/s)", posted, float64(posted)/totalDuration.Seconds())
	log.Printf("Messages delivered: %d (%.1f/s)", received, float64(received)/totalDuration.Seconds())
	log.Printf("Offline messages delivered: %d", stats.offlineDelivered.Load())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Login failures: %d", stats.loginFailures.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average delivery latency: %.2fms", avgUs/1000.0)
	log.Printf("Deliveries vs full fanout: %.1f%% (bots ramp up and down, so below 100%% is expected)", efficiency)
}
