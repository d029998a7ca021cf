package remotefake

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-go-golems/chatsync/pkg/conversation"
	"github.com/go-go-golems/chatsync/pkg/remote"
	"github.com/rs/zerolog/log"
)

// Server is an in-memory implementation of the assistant service API. Its
// faults can be toggled at runtime.
type Server struct {
	mu sync.Mutex

	conversations map[string]map[string][]conversation.Message
	settings      map[string]remote.UserSettings

	healthStatus int
	saveStatus   int
	chatStatus   int
	title        string
	titleStatus  int
	frames       []string
	frameDelay   time.Duration
	holdStream   bool
	saveDelay    time.Duration

	saveCalls     int
	chatCalls     int
	lastChat      remote.ChatRequest
	messageSerial int
}

func New() *Server {
	return &Server{
		conversations: map[string]map[string][]conversation.Message{},
		settings:      map[string]remote.UserSettings{},
		healthStatus:  http.StatusOK,
		saveStatus:    http.StatusOK,
		chatStatus:    http.StatusOK,
		titleStatus:   http.StatusOK,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(remote.PathHealthCheck, s.handleHealth)
	r.Post(remote.PathSaveConversation, s.handleSave)
	r.Post(remote.PathLoadConversation, s.handleLoad)
	r.Post(remote.PathDeleteAll, s.handleDeleteAll)
	r.Post(remote.PathGenerateTitle, s.handleTitle)
	r.Post(remote.PathChat, s.handleChat)
	r.Post(remote.PathSQLAndLLM, s.handleChat)
	r.Post(remote.PathSaveSettings, s.handleSaveSettings)
	r.Post(remote.PathLoadSettings, s.handleLoadSettings)
	return r
}

// SetHealthStatus makes the health check answer with code.
func (s *Server) SetHealthStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthStatus = code
}

// SetSaveStatus makes conversation saves answer with code. Non-2xx codes do
// not store anything.
func (s *Server) SetSaveStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveStatus = code
}

// DelayNextSave holds the next conversation save for d before it is stored.
func (s *Server) DelayNextSave(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveDelay = d
}

func (s *Server) SetChatStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatStatus = code
}

// SetTitle sets the generated title. A non-2xx code makes title generation fail.
func (s *Server) SetTitle(title string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = title
	s.titleStatus = code
}

// ScriptStream replaces the generated response with the given data payloads.
// Payloads are written verbatim, so malformed JSON can be scripted too.
func (s *Server) ScriptStream(payloads ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append([]string(nil), payloads...)
}

// SetStreamDelay waits d before each frame.
func (s *Server) SetStreamDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameDelay = d
}

// SetHoldStream keeps streams open after the last frame until the client
// disconnects.
func (s *Server) SetHoldStream(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdStream = hold
}

func (s *Server) SaveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCalls
}

func (s *Server) ChatCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatCalls
}

func (s *Server) LastChatRequest() remote.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChat
}

// Stored returns the messages saved for a conversation.
func (s *Server) Stored(userID, conversationID string) ([]conversation.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.conversations[userID][conversationID]
	return conversation.CloneMessages(msgs), ok
}

// Put seeds a stored conversation.
func (s *Server) Put(userID, conversationID string, messages []conversation.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userConversationsLocked(userID)[conversationID] = conversation.CloneMessages(messages)
}

func (s *Server) userConversationsLocked(userID string) map[string][]conversation.Message {
	m, ok := s.conversations[userID]
	if !ok {
		m = map[string][]conversation.Message{}
		s.conversations[userID] = m
	}
	return m
}

func respondJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(remote.StatusResponse{Status: "error", Message: message})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func ok(code int) bool {
	return code >= 200 && code < 300
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	code := s.healthStatus
	s.mu.Unlock()

	if !ok(code) {
		respondError(w, code, "unhealthy")
		return
	}
	respondJSON(w, remote.HealthResponse{
		Status:    "ok",
		Services:  map[string]interface{}{"llm": true, "vector_store": true},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req remote.SaveConversationRequest
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	s.saveCalls++
	delay := s.saveDelay
	s.saveDelay = 0
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(delay):
		}
	}

	s.mu.Lock()
	code := s.saveStatus
	if ok(code) {
		msgs := make([]conversation.Message, 0, len(req.Messages))
		for _, m := range req.Messages {
			msgs = append(msgs, conversation.Message{Role: m.Role, Content: m.Content, Sources: m.Sources})
		}
		s.userConversationsLocked(req.UserID)[req.ConversationID] = msgs
	}
	s.mu.Unlock()

	if !ok(code) {
		respondError(w, code, "save rejected")
		return
	}
	respondJSON(w, remote.StatusResponse{Status: remote.StatusSuccess})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req remote.LoadConversationRequest
	if !decode(w, r, &req) {
		return
	}
	msgs, found := s.Stored(req.UserID, req.ConversationID)
	if !found {
		respondJSON(w, remote.LoadConversationResponse{Status: remote.StatusNotFound})
		return
	}
	respondJSON(w, remote.LoadConversationResponse{
		Status:       remote.StatusSuccess,
		Conversation: &remote.RemoteConversation{ID: req.ConversationID, Messages: msgs},
	})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	var req remote.UserRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	delete(s.conversations, req.UserID)
	s.mu.Unlock()
	respondJSON(w, remote.StatusResponse{Status: remote.StatusSuccess})
}

func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request) {
	var req remote.GenerateTitleRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	title, code := s.title, s.titleStatus
	s.mu.Unlock()

	if !ok(code) {
		respondError(w, code, "title generation failed")
		return
	}
	if title == "" {
		for _, t := range req.Messages {
			if t.Role == conversation.RoleUser {
				title = "About " + strings.Join(strings.Fields(t.Content), " ")
				break
			}
		}
	}
	respondJSON(w, remote.GenerateTitleResponse{Title: title})
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req remote.SaveSettingsRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	s.settings[req.UserID] = req.Settings
	s.mu.Unlock()
	respondJSON(w, remote.StatusResponse{Status: remote.StatusSuccess})
}

func (s *Server) handleLoadSettings(w http.ResponseWriter, r *http.Request) {
	var req remote.UserRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	settings, found := s.settings[req.UserID]
	s.mu.Unlock()
	if !found {
		respondJSON(w, remote.LoadSettingsResponse{Status: remote.StatusNotFound})
		return
	}
	respondJSON(w, remote.LoadSettingsResponse{Status: remote.StatusSuccess, Settings: &settings})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req remote.ChatRequest
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	s.chatCalls++
	s.lastChat = req
	code := s.chatStatus
	frames := append([]string(nil), s.frames...)
	delay := s.frameDelay
	hold := s.holdStream
	s.messageSerial++
	serial := s.messageSerial
	s.mu.Unlock()

	if !ok(code) {
		respondError(w, code, "chat failed")
		return
	}
	if len(frames) == 0 {
		frames = defaultFrames(req, fmt.Sprintf("msg_%d", serial))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)
	for _, f := range frames {
		if delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
		if _, err := io.WriteString(w, "data: "+f+"\n\n"); err != nil {
			log.Debug().Err(err).Msg("client went away")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if hold {
		<-r.Context().Done()
	}
}

// defaultFrames answers by echoing the question word by word.
func defaultFrames(req remote.ChatRequest, messageID string) []string {
	frames := []string{}
	sources, _ := json.Marshal(map[string]interface{}{
		"sources": []conversation.Source{{Title: req.Category + " handbook", Page: 1, Score: 0.9}},
	})
	frames = append(frames, string(sources))

	words := strings.Fields("You asked: " + req.Question)
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		b, _ := json.Marshal(map[string]string{"token": word})
		frames = append(frames, string(b))
	}
	eos, _ := json.Marshal(map[string]string{"event": "eos", "messageId": messageID})
	return append(frames, string(eos))
}
