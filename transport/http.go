package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"gauntlet/game"
)

// WireSnapshot is the JSON shape of a server state snapshot.
type WireSnapshot struct {
	Actor    string         `json:"current_player_id"`
	Order    []string       `json:"turn_order"`
	Over     bool           `json:"terminal"`
	Phase    string         `json:"mode"`
	Counters map[string]int `json:"resources"`
}

func (s *WireSnapshot) CurrentActor() string      { return s.Actor }
func (s *WireSnapshot) TurnOrder() []string       { return s.Order }
func (s *WireSnapshot) Terminal() bool            { return s.Over }
func (s *WireSnapshot) Mode() string              { return s.Phase }
func (s *WireSnapshot) Resources() map[string]int { return s.Counters }

// wireMessage is one server message on the wire. Exactly one payload section
// is populated, discriminated by Type.
type wireMessage struct {
	Type    MessageType   `json:"type"`
	State   *WireSnapshot `json:"state,omitempty"`
	Events  []game.Event  `json:"events,omitempty"`
	Code    string        `json:"code,omitempty"`
	Text    string        `json:"text,omitempty"`
	GameID  string        `json:"game_id,omitempty"`
	Players []string      `json:"players,omitempty"`
}

func (m wireMessage) message() Message {
	msg := Message{
		Type:    m.Type,
		Events:  m.Events,
		Code:    m.Code,
		Text:    m.Text,
		GameID:  m.GameID,
		Players: m.Players,
	}
	if m.State != nil {
		msg.State = m.State
	}
	return msg
}

// HTTPOptions configures one player's HTTP connection.
type HTTPOptions struct {
	// BaseURL is the game's endpoint root, e.g. http://host/games/g1.
	BaseURL  string
	PlayerID string
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// PollInterval paces the update polling loop. Defaults to 250ms.
	PollInterval time.Duration
	// MaxRetries bounds consecutive failed polls before the connection is
	// declared gone. Defaults to 5.
	MaxRetries int
	// MaxBackoff caps the delay between retries. Defaults to 2s.
	MaxBackoff time.Duration
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	return o
}

// HTTPTransport speaks JSON over HTTP to a game server: actions are posted,
// updates are polled from a cursor so no message is lost between polls.
// It retries failed polls with backoff, surfacing the attempts as lifecycle
// events, and gives up after MaxRetries consecutive failures.
type HTTPTransport struct {
	opts HTTPOptions

	msgs chan Message
	life chan ConnEvent
	done chan struct{}
}

func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	return &HTTPTransport{
		opts: opts.withDefaults(),
		msgs: make(chan Message, 16),
		life: make(chan ConnEvent, 4),
		done: make(chan struct{}),
	}
}

// Connect joins the game and starts the update-polling loop.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"player_id": t.opts.PlayerID})
	if err != nil {
		return fmt.Errorf("failed to encode join request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.opts.BaseURL+"/join", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to join game: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("join rejected with status %d", resp.StatusCode)
	}

	var lobby wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&lobby); err != nil {
		return fmt.Errorf("failed to decode lobby state: %w", err)
	}

	t.emitLife(ConnEvent{Kind: EventConnected})
	t.emit(lobby.message())
	go t.poll()
	return nil
}

// SendAction posts one action on behalf of the player.
func (t *HTTPTransport) SendAction(ctx context.Context, action any) error {
	body, err := json.Marshal(map[string]any{
		"player_id": t.opts.PlayerID,
		"action":    action,
	})
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.opts.BaseURL+"/actions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send action: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("action rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) Messages() <-chan Message    { return t.msgs }
func (t *HTTPTransport) Lifecycle() <-chan ConnEvent { return t.life }

func (t *HTTPTransport) Close() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	return nil
}

// poll fetches updates from the last seen cursor until the connection is
// closed or declared gone.
func (t *HTTPTransport) poll() {
	defer close(t.msgs)

	cursor := 0
	failures := 0
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		batch, err := t.fetch(cursor)
		if err != nil {
			failures++
			if failures >= t.opts.MaxRetries {
				log.Warn().Err(err).Str("player", t.opts.PlayerID).
					Msgf("giving up after %d failed polls", failures)
				t.emitLife(ConnEvent{Kind: EventDisconnected, Reason: err.Error()})
				return
			}
			t.emitLife(ConnEvent{Kind: EventReconnecting, Reason: err.Error()})
			time.Sleep(t.backoff(failures))
			continue
		}
		failures = 0

		for _, wm := range batch {
			t.emit(wm.message())
			cursor++
		}
	}
}

// backoff doubles the poll interval per consecutive failure, capped at
// MaxBackoff.
func (t *HTTPTransport) backoff(failures int) time.Duration {
	d := t.opts.PollInterval
	for i := 1; i < failures && d < t.opts.MaxBackoff; i++ {
		d *= 2
	}
	if d > t.opts.MaxBackoff {
		d = t.opts.MaxBackoff
	}
	return d
}

func (t *HTTPTransport) fetch(cursor int) ([]wireMessage, error) {
	u := fmt.Sprintf("%s/updates?player_id=%s&cursor=%d",
		t.opts.BaseURL, url.QueryEscape(t.opts.PlayerID), cursor)
	resp, err := t.opts.Client.Get(u)
	if err != nil {
		return nil, fmt.Errorf("failed to poll updates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update poll failed with status %d", resp.StatusCode)
	}

	var batch []wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	return batch, nil
}

func (t *HTTPTransport) emit(msg Message) {
	select {
	case t.msgs <- msg:
	case <-t.done:
	}
}

func (t *HTTPTransport) emitLife(ev ConnEvent) {
	select {
	case t.life <- ev:
	default: // lifecycle is advisory, never blocking
	}
}
