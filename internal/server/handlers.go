package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/nvoss/dmpilot/internal/automation"
	"github.com/nvoss/dmpilot/internal/event"
	"github.com/nvoss/dmpilot/internal/storage"
)

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// AuthStatus is the response for GET /auth/status
type AuthStatus struct {
	HasSession bool   `json:"has_session"`
	Active     bool   `json:"active"`
	Offline    bool   `json:"offline"`
	Tier       string `json:"tier"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, AuthStatus{
		HasSession: s.sessions.HasSession(),
		Active:     s.sessions.IsActive(),
		Offline:    s.worker.Offline(),
		Tier:       s.membership.Tier(r.Context()),
	})
}

// handleLogin runs the interactive login flow. Blocks until the operator
// signs in or the flow times out, then starts automation.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.sessions.Login(s.ctx); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if err := s.sessions.Acquire(s.ctx); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	s.startAutomation()
	s.worker.MarkOnline()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.sessions.Logout(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.tokens.Clear()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ChatResponse is one entry of GET /chats
type ChatResponse struct {
	ID          string                `json:"id"`
	Username    string                `json:"username"`
	FullName    string                `json:"full_name"`
	ProfilePic  string                `json:"profile_pic"`
	LastMessage string                `json:"last_message"`
	Settings    *storage.ChatSettings `json:"settings,omitempty"`
	State       string                `json:"state"`
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chats, err := storage.GetChats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]ChatResponse, 0, len(chats))
	for _, c := range chats {
		out = append(out, ChatResponse{
			ID:          c.ID,
			Username:    c.Username,
			FullName:    c.FullName,
			ProfilePic:  c.ProfilePic,
			LastMessage: c.LastMessage,
			Settings:    c.Settings,
			State:       s.worker.Machine().State(c.ID).String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleChatByID routes /chats/{id}/<action>
func (s *Server) handleChatByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/chats/"), "/")
	if len(parts) < 1 || parts[0] == "" {
		http.Error(w, "Chat ID required", http.StatusBadRequest)
		return
	}
	chatID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = strings.Join(parts[1:], "/")
	}

	switch action {
	case "history":
		s.handleHistory(w, r, chatID)
	case "settings":
		s.handleSettings(w, r, chatID)
	case "send":
		s.handleSend(w, r, chatID)
	case "start":
		s.handleStart(w, r, chatID)
	case "regenerate":
		s.handleRegenerate(w, r, chatID)
	case "accept":
		s.handleAccept(w, r, chatID)
	case "dismiss":
		s.handleDismiss(w, r, chatID)
	case "profile":
		s.handleProfile(w, r, chatID)
	case "profile/generate":
		s.handleProfileGenerate(w, r, chatID)
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, chatID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Pull a fresh window through the live session when available; the
	// dedup log drops anything already recorded.
	if s.sessions.IsActive() {
		if messages, err := s.reader.ReadTranscript(r.Context(), chatID, "", 0); err == nil {
			for i := range messages {
				if _, err := storage.RecordMessage(&messages[i]); err != nil {
					log.Printf("[Server] Record message: %v", err)
				}
			}
		} else {
			log.Printf("[Server] Live history read for %q failed, serving stored: %v", chatID, err)
		}
	}

	messages, err := storage.GetMessages(chatID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	suggestion, _ := s.worker.Machine().Suggestion(chatID)
	writeJSON(w, http.StatusOK, map[string]any{
		"chat_id":    chatID,
		"messages":   messages,
		"state":      s.worker.Machine().State(chatID).String(),
		"suggestion": suggestion,
	})
}

// SettingsUpdate is the PATCH /chats/{id}/settings body. Pointer fields
// distinguish "not sent" from zero values.
type SettingsUpdate struct {
	Enabled     *bool   `json:"enabled,omitempty"`
	AutoReply   *bool   `json:"auto_reply,omitempty"`
	CustomRules *string `json:"custom_rules,omitempty"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request, chatID string) {
	switch r.Method {
	case http.MethodGet:
		settings, err := storage.GetSettings(chatID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if settings == nil {
			settings = &storage.ChatSettings{ChatID: chatID}
		}
		writeJSON(w, http.StatusOK, settings)

	case http.MethodPatch:
		var req SettingsUpdate
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		settings, err := storage.GetSettings(chatID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if settings == nil {
			settings = &storage.ChatSettings{ChatID: chatID}
		}

		if req.Enabled != nil {
			settings.Enabled = *req.Enabled
			if !settings.Enabled {
				settings.AutoReply = false
			}
		}
		if req.AutoReply != nil {
			if *req.AutoReply && !settings.AutoReply {
				count, err := storage.CountAutoReplyChats()
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				if err := s.membership.CheckAutoReplyQuota(r.Context(), count); err != nil {
					// Quota message goes to the UI verbatim; enabled is
					// untouched.
					writeError(w, http.StatusForbidden, err)
					return
				}
				// Auto-pilot requires automation on.
				settings.Enabled = true
			}
			settings.AutoReply = *req.AutoReply
		}
		if req.CustomRules != nil {
			settings.CustomRules = req.CustomRules
		}

		if err := storage.SaveSettings(settings); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// MessageSend is the POST /chats/{id}/send body
type MessageSend struct {
	Text string `json:"text"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, chatID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req MessageSend
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		http.Error(w, "Text required", http.StatusBadRequest)
		return
	}
	if err := s.worker.ManualSend(r.Context(), chatID, req.Text); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, chatID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.worker.StartConversation(chatID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request, chatID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.worker.Regenerate(chatID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

// AcceptRequest is the POST /chats/{id}/accept body; Text, when set,
// replaces the suggested candidate.
type AcceptRequest struct {
	Text string `json:"text,omitempty"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request, chatID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req AcceptRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.worker.AcceptSuggestion(r.Context(), chatID, req.Text); err != nil {
		if errors.Is(err, automation.ErrNoSuggestion) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request, chatID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.worker.DismissSuggestion(chatID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, chatID string) {
	switch r.Method {
	case http.MethodGet:
		profile, err := s.profiles.Get(chatID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if profile == nil {
			http.Error(w, "No profile", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, profile)

	case http.MethodPatch:
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		profile, err := s.profiles.Update(chatID, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleProfileGenerate(w http.ResponseWriter, r *http.Request, chatID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	transcript, err := storage.GetMessages(chatID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	profile, err := s.profiles.Regenerate(r.Context(), chatID, transcript)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleGlobalSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.cfg.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  snap.Version,
		"settings": snap.Settings,
	})
}

// GlobalRulesUpdate is the PUT /global/rules body
type GlobalRulesUpdate struct {
	Rules *string `json:"rules"`
}

func (s *Server) handleGlobalRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req GlobalRulesUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	settings := s.cfg.Current().Settings
	settings.GlobalRules = req.Rules
	if err := s.cfg.Update(settings); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Current().Settings)
}

// BulkToggleResult reports the reconciliation outcome for one chat in a bulk
// enable/disable operation.
type BulkToggleResult struct {
	ChatID string           `json:"chat_id"`
	Toggle OptimisticToggle `json:"toggle"`
}

// handleEnableAll turns automation on for every known chat, and auto-pilot
// too when auto_reply_all is set and the quota allows. Each chat's toggle
// goes through the pending → confirmed/failed lifecycle so the UI can show
// partial success instead of a blanket rollback.
func (s *Server) handleEnableAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chats, err := storage.GetChats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	wantAutoReply := s.cfg.Current().Settings.AutoReplyAll

	results := make([]BulkToggleResult, 0, len(chats))
	for _, chat := range chats {
		settings := chat.Settings
		if settings == nil {
			settings = &storage.ChatSettings{ChatID: chat.ID}
		}

		var toggle OptimisticToggle
		toggle.Value = settings.AutoReply
		toggle.Confirm()
		toggle.Propose(wantAutoReply)

		settings.Enabled = true
		if wantAutoReply && !settings.AutoReply {
			count, cerr := storage.CountAutoReplyChats()
			if cerr == nil {
				cerr = s.membership.CheckAutoReplyQuota(r.Context(), count)
			}
			if cerr != nil {
				toggle.Reject(cerr.Error())
			} else {
				settings.AutoReply = true
			}
		} else if wantAutoReply {
			settings.AutoReply = true
		}

		if err := storage.SaveSettings(settings); err != nil {
			toggle.Reject(err.Error())
		} else if toggle.State == SettingPending {
			toggle.Confirm()
		}
		results = append(results, BulkToggleResult{ChatID: chat.ID, Toggle: toggle})
	}

	s.publishSidebar()
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleDisableAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chats, err := storage.GetChats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, chat := range chats {
		if chat.Settings == nil {
			continue
		}
		chat.Settings.Enabled = false
		if err := storage.SaveSettings(chat.Settings); err != nil {
			log.Printf("[Server] Disable %q: %v", chat.ID, err)
		}
	}

	s.publishSidebar()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// publishSidebar pushes the current stored chat list to sidebar listeners.
// Used after settings mutations; poll cycles publish their own updates.
func (s *Server) publishSidebar() {
	if !s.hub.RoomActive("sidebar") {
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
	s.bus.Publish(event.NewSidebarUpdate(sidebar))
}
