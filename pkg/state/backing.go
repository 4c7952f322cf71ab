package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned by FetchState when the backing store has no record
// for the conversation.
var ErrNotFound = errors.New("conversation state not found")

// BackingClient talks to the durable conversation-state service. It is the
// tier of last resort behind the cache and the only durable one.
type BackingClient struct {
	baseURL string
	http    *http.Client
}

// NewBackingClient creates a client for the state service at baseURL.
func NewBackingClient(baseURL string, timeout time.Duration) *BackingClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &BackingClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchState retrieves the full persisted document for a conversation.
// Returns ErrNotFound when the store has never seen the id.
func (c *BackingClient) FetchState(ctx context.Context, conversationID string) (*ConversationState, error) {
	u := fmt.Sprintf("%s/conversation/state?id=%s", c.baseURL, url.QueryEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backing store fetch: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("backing store fetch: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backing store fetch: read body: %w", err)
	}
	return Unmarshal(body)
}

// SaveState writes a partial document containing only the given fields. The
// conversation id is always included so the store can upsert.
func (c *BackingClient) SaveState(ctx context.Context, st *ConversationState, fields []string) error {
	doc, err := st.MarshalPartial(fields)
	if err != nil {
		return fmt.Errorf("backing store save: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/conversation/state", bytes.NewReader(doc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backing store save: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backing store save: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Unmarshal decodes a persisted state document. The result is treated as
// existing history, not a new conversation.
func Unmarshal(data []byte) (*ConversationState, error) {
	st := New("")
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode conversation state: %w", err)
	}
	st.isNew = false
	if st.CheckpointProgress == nil {
		st.CheckpointProgress = make(map[string]bool)
	}
	if st.SyncAgentResults == nil {
		st.SyncAgentResults = make(map[string][]*AgentResult)
	}
	if st.AsyncAgentResults == nil {
		st.AsyncAgentResults = make(map[string]*AgentResult)
	}
	return st, nil
}

// Marshal encodes the full state document for the cache tiers.
func (s *ConversationState) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// MarshalPartial encodes a document holding only the named fields plus the
// conversation id.
func (s *ConversationState) MarshalPartial(fields []string) ([]byte, error) {
	full, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(full, &all); err != nil {
		return nil, err
	}

	partial := map[string]json.RawMessage{
		"conversation_id": all["conversation_id"],
	}
	for _, f := range fields {
		if raw, ok := all[f]; ok {
			partial[f] = raw
		}
	}
	return json.Marshal(partial)
}
