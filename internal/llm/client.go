package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/nvoss/dmpilot/internal/auth"
)

// Profile is the structured typing-mechanics description returned by the
// profile generation endpoint. Fixed schema; describes HOW the counterpart
// types, not who they are.
type Profile struct {
	CasingStyle       string   `json:"casing_style"`
	PunctuationHabits string   `json:"punctuation_habits"`
	GrammarLevel      string   `json:"grammar_level"`
	MessageStructure  string   `json:"message_structure"`
	EmojiMechanics    string   `json:"emoji_mechanics"`
	Abbreviations     []string `json:"abbreviations"`
	SyntaxQuirks      []string `json:"syntax_quirks"`
}

// ReplyRequest is the payload for reply generation
type ReplyRequest struct {
	ChatID          string   `json:"chat_id"`
	Transcript      string   `json:"transcript"`
	Profile         *Profile `json:"profile"`
	Rules           *string  `json:"rules,omitempty"`
	WritingExamples string   `json:"writing_examples,omitempty"`
	IsStarter       bool     `json:"is_starter"`
}

// Client calls the generation edge functions. API keys live server-side;
// this client only carries the user's bearer token.
type Client struct {
	baseURL string
	apiKey  string
	tokens  *auth.TokenSource
	client  *http.Client
}

// NewClient creates a generation client
func NewClient(baseURL, apiKey string, tokens *auth.TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		tokens:  tokens,
		client:  &http.Client{},
	}
}

// GenerateReply requests one candidate reply. Any non-success is returned as
// an error; retrying is the caller's decision, never done here.
func (c *Client) GenerateReply(ctx context.Context, req *ReplyRequest) (string, error) {
	respBody, err := c.call(ctx, "generate-reply", req)
	if err != nil {
		return "", err
	}

	var result struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("malformed reply response: %w", err)
	}
	if result.Reply == "" {
		return "", fmt.Errorf("empty reply from generation endpoint")
	}
	return result.Reply, nil
}

// GenerateProfile requests a typing profile for a transcript. The endpoint
// occasionally emits malformed JSON; one retry is tolerated before failing.
func (c *Client) GenerateProfile(ctx context.Context, transcript string) (*Profile, error) {
	payload := map[string]string{"transcript": transcript}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		respBody, err := c.call(ctx, "generate-profile", payload)
		if err != nil {
			return nil, err
		}

		var result struct {
			Profile *Profile `json:"profile"`
		}
		if err := json.Unmarshal(respBody, &result); err != nil || result.Profile == nil {
			lastErr = fmt.Errorf("malformed profile response: %v", err)
			log.Printf("[LLM] Profile response malformed (attempt %d), retrying", attempt+1)
			continue
		}
		return result.Profile, nil
	}
	return nil, lastErr
}

func (c *Client) call(ctx context.Context, function string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/functions/v1/"+function, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", function, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, auth.ErrAuthExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s rate limited: %s", function, apiErrorMessage(respBody))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%s failed (%d): %s", function, resp.StatusCode, apiErrorMessage(respBody))
	}
	return respBody, nil
}

func apiErrorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}
