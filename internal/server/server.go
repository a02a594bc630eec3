package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nvoss/dmpilot/internal/auth"
	"github.com/nvoss/dmpilot/internal/automation"
	"github.com/nvoss/dmpilot/internal/billing"
	"github.com/nvoss/dmpilot/internal/bridge"
	"github.com/nvoss/dmpilot/internal/config"
	"github.com/nvoss/dmpilot/internal/dispatch"
	"github.com/nvoss/dmpilot/internal/event"
	"github.com/nvoss/dmpilot/internal/inbox"
	"github.com/nvoss/dmpilot/internal/llm"
	"github.com/nvoss/dmpilot/internal/reply"
	"github.com/nvoss/dmpilot/internal/session"
	"github.com/nvoss/dmpilot/internal/storage"
)

// Config holds the process-level server options
type Config struct {
	Addr       string
	DBPath     string
	APIBaseURL string
	APIKey     string
	MQTTBroker string
	Headless   bool
}

// Server wires the session store, poller, automation worker, dispatcher, and
// UI boundary together and owns their lifecycles.
type Server struct {
	conf Config

	cfg        *config.State
	bus        *event.Bus
	hub        *Hub
	sessions   *session.Store
	tokens     *auth.TokenSource
	membership *billing.Membership
	inbox      *inbox.Client
	reader     *inbox.Reader
	poller     *inbox.Poller
	dispatcher *dispatch.Dispatcher
	worker     *automation.Worker
	profiles   *reply.ProfileService
	bridge     *bridge.MQTT

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	automating bool
	autoCancel context.CancelFunc
}

// New builds the full component graph. Nothing touches the network or the
// browser yet; Start does that.
func New(conf Config) (*Server, error) {
	if err := storage.Init(conf.DBPath); err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	settingsPath, err := config.SettingsPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadState(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	sessionPath, err := config.SessionPath()
	if err != nil {
		return nil, err
	}
	keyPath, err := config.KeyPath()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		conf:   conf,
		cfg:    cfg,
		bus:    event.NewBus(),
		ctx:    ctx,
		cancel: cancel,
	}

	browser := session.NewChromeBrowser(conf.Headless)
	s.sessions = session.NewStore(browser, sessionPath, keyPath)

	s.tokens = auth.NewTokenSource(conf.APIBaseURL, conf.APIKey)
	s.membership = billing.NewMembership(conf.APIBaseURL, conf.APIKey, s.tokens)

	llmClient := llm.NewClient(conf.APIBaseURL, conf.APIKey, s.tokens)
	s.profiles = reply.NewProfileService(llmClient)
	engine := reply.NewEngine(llmClient, s.profiles)

	s.inbox = inbox.NewClient(s.sessions)
	s.reader = inbox.NewReader(s.inbox)

	s.dispatcher = dispatch.NewDispatcher(s.inbox,
		func() {
			// A failed send usually means the session drifted; recover it
			// off the dispatch path.
			go s.worker.RecoverSession(s.ctx, false)
		},
		func(wait time.Duration) {
			log.Printf("[Server] Send surface blocked, backing off %s", wait)
		})

	machine := automation.NewMachine()
	s.worker = automation.NewWorker(ctx, machine, engine, s.dispatcher, s.bus, cfg, s.sessions)

	s.poller = inbox.NewPoller(s.inbox, s.reader, s.bus, s.worker.HandleInbound, s.worker.RecoverSession)

	// Each acquire launches a fresh browser context, so the push trigger
	// must be re-injected every time, not just on startup.
	s.sessions.SetOnAcquired(func() {
		if err := s.inbox.InstallPushTrigger(s.ctx, s.poller.Trigger); err != nil {
			// Polling alone still covers everything, just with more latency.
			log.Printf("[Server] Push trigger install failed: %v", err)
		}
	})

	s.hub = NewHub(s.bus)
	s.hub.SetOnJoin(func(client *WSClient) {
		if chatID, ok := strings.CutPrefix(client.Room, "chat_"); ok {
			// The operator opened this conversation; surface it as read.
			go func() {
				ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
				defer cancel()
				if err := s.dispatcher.MarkRead(ctx, chatID); err != nil {
					log.Printf("[Server] Mark read %q: %v", chatID, err)
				}
			}()
			return
		}
		if client.Room != "sidebar" {
			return
		}
		chats, err := storage.GetChats()
		if err != nil {
			return
		}
		sidebar := make([]event.SidebarChat, 0, len(chats))
		for _, c := range chats {
			tracked := c.Settings != nil && c.Settings.Enabled
			sidebar = append(sidebar, event.SidebarChat{
				ID:          c.ID,
				Username:    c.Username,
				FullName:    c.FullName,
				LastMessage: c.LastMessage,
				ProfilePic:  c.ProfilePic,
				IsTracked:   tracked,
			})
		}
		s.hub.SendTo(client, event.NewSidebarUpdate(sidebar))
	})

	if conf.MQTTBroker != "" {
		b, err := bridge.Connect(conf.MQTTBroker, s.bus)
		if err != nil {
			log.Printf("[Server] MQTT bridge unavailable: %v", err)
		} else {
			s.bridge = b
		}
	}

	return s, nil
}

// Start resumes a saved session when one exists and serves the HTTP/WS
// boundary. Blocks until the listener fails.
func (s *Server) Start() error {
	if s.sessions.HasSession() {
		if err := s.sessions.Acquire(s.ctx); err != nil {
			switch {
			case errors.Is(err, session.ErrAuthExpired):
				log.Printf("[Server] Saved session expired, login required")
			case errors.Is(err, session.ErrNoSession):
				log.Printf("[Server] No saved session, login required")
			default:
				log.Printf("[Server] Session acquire failed: %v", err)
			}
		} else {
			s.startAutomation()
			s.worker.MarkOnline()
		}
	} else {
		log.Printf("[Server] No saved session, login required")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/auth/status", s.handleAuthStatus)
	mux.HandleFunc("/auth/login", s.handleLogin)
	mux.HandleFunc("/auth/logout", s.handleLogout)
	mux.HandleFunc("/chats", s.handleChats)
	mux.HandleFunc("/chats/", s.handleChatByID)
	mux.HandleFunc("/global/settings", s.handleGlobalSettings)
	mux.HandleFunc("/global/rules", s.handleGlobalRules)
	mux.HandleFunc("/global/enable-all", s.handleEnableAll)
	mux.HandleFunc("/global/disable-all", s.handleDisableAll)
	mux.HandleFunc("/ws/", s.hub.HandleWS)

	log.Printf("[Server] Listening on %s", s.conf.Addr)
	return http.ListenAndServe(s.conf.Addr, corsMiddleware(mux))
}

// startAutomation launches the poller and dispatcher loops. Idempotent;
// restarts the loops if a previous run was stopped. The push trigger is
// installed by the session acquire hook, not here.
func (s *Server) startAutomation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.automating {
		return
	}
	s.automating = true

	ctx, cancel := context.WithCancel(s.ctx)
	s.autoCancel = cancel

	go s.poller.Run(ctx)
	go s.dispatcher.Run(ctx)
	log.Printf("[Server] Automation started")
}

// Close shuts the component graph down
func (s *Server) Close() {
	s.mu.Lock()
	if s.autoCancel != nil {
		s.autoCancel()
	}
	s.mu.Unlock()

	if s.bridge != nil {
		s.bridge.Close()
	}
	s.cfg.Close()
	s.sessions.Invalidate()
	s.cancel()
}
