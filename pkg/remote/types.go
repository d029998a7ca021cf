package remote

import "github.com/go-go-golems/chatsync/pkg/conversation"

const (
	PathHealthCheck       = "/api/health-check"
	PathSaveConversation  = "/api/conversations/save"
	PathLoadConversation  = "/api/conversations/load"
	PathDeleteAll         = "/api/conversations/delete-all"
	PathGenerateTitle     = "/api/generate-title"
	PathChat              = "/api/chat"
	PathSQLAndLLM         = "/api/sql-and-llm"
	PathSaveSettings      = "/api/settings/save"
	PathLoadSettings      = "/api/settings/load"
	StatusSuccess         = "success"
	StatusNotFound        = "not_found"
	contentTypeJSON       = "application/json"
	maxErrorBodyReadBytes = 4096
)

type HealthResponse struct {
	Status    string                 `json:"status,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

// WireMessage is the reduced message form accepted by the save endpoint.
type WireMessage struct {
	Role    conversation.Role     `json:"role"`
	Content string                `json:"content"`
	Sources []conversation.Source `json:"sources"`
}

func ToWireMessages(messages []conversation.Message) []WireMessage {
	ret := make([]WireMessage, 0, len(messages))
	for _, m := range messages {
		sources := m.Sources
		if sources == nil {
			sources = []conversation.Source{}
		}
		ret = append(ret, WireMessage{Role: m.Role, Content: m.Content, Sources: sources})
	}
	return ret
}

type SaveConversationRequest struct {
	UserID         string        `json:"userId"`
	ConversationID string        `json:"conversationId"`
	Messages       []WireMessage `json:"messages"`
}

type LoadConversationRequest struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type RemoteConversation struct {
	ID       string                 `json:"id,omitempty"`
	Messages []conversation.Message `json:"messages"`
}

type LoadConversationResponse struct {
	Status       string              `json:"status"`
	Conversation *RemoteConversation `json:"conversation,omitempty"`
}

type GenerateTitleRequest struct {
	Messages []conversation.Turn `json:"messages"`
}

type GenerateTitleResponse struct {
	Title string `json:"title"`
}

// ChatRequest is the body of both streaming endpoints.
type ChatRequest struct {
	Question string              `json:"question"`
	Category string              `json:"category"`
	History  []conversation.Turn `json:"history"`
}

type UserSettings struct {
	Theme           string `json:"theme,omitempty" yaml:"theme,omitempty"`
	DefaultCategory string `json:"defaultCategory,omitempty" yaml:"defaultCategory,omitempty"`
}

type SaveSettingsRequest struct {
	UserID   string       `json:"userId"`
	Settings UserSettings `json:"settings"`
}

type UserRequest struct {
	UserID string `json:"userId"`
}

type LoadSettingsResponse struct {
	Status   string        `json:"status"`
	Settings *UserSettings `json:"settings,omitempty"`
}

type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
