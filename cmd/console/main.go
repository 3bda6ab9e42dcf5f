package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/fixmate/support-console/internal/chat"
	"github.com/fixmate/support-console/internal/credstore"
	"github.com/fixmate/support-console/internal/events"
	"github.com/fixmate/support-console/internal/metrics"
	"github.com/fixmate/support-console/internal/notify"
	"github.com/fixmate/support-console/internal/platform"
	"github.com/fixmate/support-console/internal/socket"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	operatorID := os.Getenv("OPERATOR_ID")
	if operatorID == "" {
		log.Fatal("OPERATOR_ID must be set")
	}

	socketConfig := socket.DefaultConfig()
	if v := os.Getenv("SOCKET_URL"); v != "" {
		socketConfig.URL = v
	}
	if v := os.Getenv("DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			socketConfig.DialTimeout = d
		}
	}
	if v := os.Getenv("RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			socketConfig.BaseRetryDelay = d
		}
	}
	if v := os.Getenv("MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			socketConfig.MaxRetries = n
		}
	}

	platformConfig := platform.DefaultConfig()
	if v := os.Getenv("API_BASE_URL"); v != "" {
		platformConfig.BaseURL = v
	}

	// --- Redis: operator credential ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	creds, err := credstore.NewStore(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer creds.Close()

	ctx := context.Background()
	cred, err := creds.Load(ctx, operatorID)
	if err != nil {
		log.Fatalf("failed to load credential: %v", err)
	}
	if cred == nil {
		token := os.Getenv("AUTH_TOKEN")
		if token == "" {
			log.Fatalf("no stored credential for operator %s and AUTH_TOKEN not set", operatorID)
		}
		cred = &credstore.Credential{
			OperatorID: operatorID,
			Token:      token,
			Name:       os.Getenv("OPERATOR_NAME"),
		}
		if err := creds.Save(ctx, *cred); err != nil {
			log.Printf("failed to persist credential: %v", err)
		}
	}
	socketConfig.Token = cred.Token
	platformConfig.Token = cred.Token

	api := platform.NewClient(platformConfig)

	// --- NATS: out-of-band notifications (optional; chat degrades without) ---
	natsConfig := notify.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	var notifier chat.Notifier
	publisher, err := notify.NewPublisher(natsConfig, operatorID)
	if err != nil {
		log.Printf("notifications disabled: %v", err)
	} else {
		notifier = publisher
		defer publisher.Close()
	}

	// --- Channel + event wiring ---
	bus := events.NewBus()

	// Declare the manager early so hooks can capture it.
	var manager *socket.Manager
	hooks := socket.Hooks{
		OnConnect: func() {
			if publisher != nil {
				publisher.ConnectionState(true, 0)
			}
		},
		OnDisconnect: func(err error) {
			if publisher != nil {
				publisher.ConnectionState(false, manager.Attempts())
			}
		},
		OnReconnectAttempt: func(attempt int) {
			if publisher != nil {
				publisher.ConnectionState(false, attempt)
			}
		},
		OnReconnectFailed: func() {
			log.Printf("chat channel down; type 'connect' to retry")
		},
	}
	manager = socket.NewManager(socketConfig, hooks, bus.HandleFrame)

	sessionConfig := chat.DefaultSessionConfig()
	sessionConfig.OperatorID = operatorID
	if v := os.Getenv("TYPING_IDLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			sessionConfig.TypingIdle = d
		}
	}
	session := chat.NewSession(manager, api, notifier, sessionConfig)

	bus.OnMessage(session.HandleIncoming)
	bus.OnTyping(session.HandleTyping)
	bus.OnReadReceipt(session.HandleReadReceipt)
	bus.OnPresence(session.HandlePresence)

	// --- Metrics ---
	metricsAddr := ":9100"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	log.Printf("Support console starting")
	log.Printf("  operator:     %s", operatorID)
	log.Printf("  socket_url:   %s", socketConfig.URL)
	log.Printf("  api_base:     %s", platformConfig.BaseURL)
	log.Printf("  redis_addr:   %s", redisAddr)
	log.Printf("  nats_url:     %s", natsConfig.URL)
	log.Printf("  metrics_addr: %s", metricsAddr)

	sessionIdentity := uuid.NewString()
	if err := manager.Open(ctx, sessionIdentity); err != nil {
		log.Printf("initial connect failed, reconnecting in background: %v", err)
	}

	// Keep the stored credential alive while the console runs.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := creds.Touch(ctx, operatorID); err != nil {
					log.Printf("credential touch: %v", err)
				}
			}
		}
	}()

	quit := make(chan struct{})
	go commandLoop(ctx, session, manager, api, sessionIdentity, quit)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Printf("received signal %s, shutting down", s)
	case <-quit:
		log.Printf("console exit requested, shutting down")
	}

	close(done)
	bus.RemoveAll()
	session.StopTyping()
	manager.Close()
}

// commandLoop is a minimal operator REPL over stdin, exercising the chat
// session the way the dashboard UI would.
func commandLoop(ctx context.Context, session *chat.Session, manager *socket.Manager, api *platform.Client, sessionIdentity string, quit chan<- struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: list <user|vendor> [search] | open <user|vendor> <id> | send <text> | typing | read | join <order> | leave <order> | connect | status | quit")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "list":
			if len(args) < 1 {
				fmt.Println("usage: list <user|vendor> [search]")
				continue
			}
			search := strings.Join(args[1:], " ")
			entries, hasMore, err := api.ListCounterparts(ctx, chat.Role(args[0]), 1, 20, search)
			if err != nil {
				log.Printf("directory list failed: %v", err)
				continue
			}
			for _, e := range entries {
				status := "inactive"
				if e.Active {
					status = "active"
				}
				fmt.Printf("  %-12s %-24s %-12s %s\n", e.ID, e.DisplayName, e.Subtype, status)
			}
			if hasMore {
				fmt.Println("  (more pages available)")
			}

		case "open":
			if len(args) != 2 {
				fmt.Println("usage: open <user|vendor> <id>")
				continue
			}
			session.SelectCounterpart(ctx, args[1], chat.Role(args[0]))
			fmt.Printf("conversation with %s/%s opened\n", args[0], args[1])

		case "send":
			if len(args) == 0 {
				fmt.Println("usage: send <text>")
				continue
			}
			session.Send(strings.Join(args, " "))

		case "typing":
			session.StartTyping()

		case "read":
			session.MarkRead(ctx)

		case "join":
			if len(args) != 1 {
				fmt.Println("usage: join <order>")
				continue
			}
			session.JoinOrderRoom(args[0])

		case "leave":
			if len(args) != 1 {
				fmt.Println("usage: leave <order>")
				continue
			}
			session.LeaveOrderRoom(args[0])

		case "connect":
			if err := manager.Open(ctx, sessionIdentity); err != nil {
				log.Printf("connect failed: %v", err)
			}

		case "status":
			fmt.Printf("connected: %v (attempt %d)\n", manager.IsConnected(), manager.Attempts())
			if key, ok := session.ActiveKey(); ok {
				msgs := session.Messages()
				fmt.Printf("active: %s/%s, %d messages", key.Role, key.ID, len(msgs))
				if session.CounterpartTyping() {
					fmt.Print(", counterpart typing")
				}
				fmt.Println()
				for _, m := range msgs {
					marker := " "
					if m.Delivery == chat.DeliveryPending {
						marker = "~"
					}
					fmt.Printf("  %s [%s] %s: %s\n", marker, m.CreatedAt.Format("15:04:05"), m.SenderID, m.Body)
				}
			} else {
				fmt.Println("no conversation selected")
			}

		case "quit", "exit":
			close(quit)
			return

		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
	close(quit)
}
