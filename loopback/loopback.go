// Package loopback is a deterministic in-process stand-in for a live game
// server. It implements the transport and enumerator contracts for a toy
// deck game (draw piles, card plays, attacks, end-turns and an interstitial
// tactic phase) and offers fault-injection switches so the harness's failure
// classification paths can be exercised without a network.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"gauntlet/game"
	"gauntlet/transport"
)

// Options shape the toy game and its injected faults. Zero values give a
// healthy two-player game.
type Options struct {
	Players  []string
	DrawPile int // initial draw-pile size per player
	HandSize int // initial hand size per player
	// TacticEvery inserts a tactic-selection interstitial after every Nth
	// end-turn, answered by a non-current player. 0 disables.
	TacticEvery int

	// Fault injection.
	MuteAfterStep   int  // stop broadcasting after N actions (disconnect path)
	RejectAfterStep int  // reject advertised-legal actions after N actions
	ErrorAfterStep  int  // emit a protocol error message after N actions
	FreezeResources bool // draw piles never change (stall path)
	AdvertiseUndo   bool // offer undo candidates the harness must filter
}

func (o Options) withDefaults() Options {
	if len(o.Players) == 0 {
		o.Players = []string{"p1", "p2"}
	}
	if o.DrawPile <= 0 {
		o.DrawPile = 10
	}
	if o.HandSize <= 0 {
		o.HandSize = 3
	}
	return o
}

// Modes of the toy game.
const (
	ModeAction = "action_phase"
	ModeTactic = "tactic_selection"
)

// Snapshot is the loopback server's immutable state view.
type Snapshot struct {
	Actor     string
	Order     []string
	Over      bool
	Phase     string
	Piles     map[string]int
	Hands     map[string]int
	TacticFor string
}

func (s *Snapshot) CurrentActor() string { return s.Actor }
func (s *Snapshot) TurnOrder() []string  { return s.Order }
func (s *Snapshot) Terminal() bool       { return s.Over }
func (s *Snapshot) Mode() string         { return s.Phase }

// Resources reports the remaining draw-pile sizes, the counter the stall
// detector watches.
func (s *Snapshot) Resources() map[string]int { return s.Piles }

// Server is one toy game instance shared by all its seats. Actions are
// processed synchronously under a single lock, so play is deterministic
// given the sequence of actions.
type Server struct {
	mu       sync.Mutex
	opts     Options
	gameID   string
	seats    map[string]*conn
	current  int
	over     bool
	phase    string
	tactic   string // player answering the tactic interstitial
	piles    map[string]int
	hands    map[string]int
	actions  int // actions processed
	endTurns int
}

// NewServer creates a fresh game.
func NewServer(gameID string, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		opts:   opts,
		gameID: gameID,
		seats:  map[string]*conn{},
		phase:  ModeAction,
		piles:  map[string]int{},
		hands:  map[string]int{},
	}
	for _, p := range opts.Players {
		s.piles[p] = opts.DrawPile
		s.hands[p] = opts.HandSize
	}
	return s
}

// Connect returns the transport for one seat.
func (s *Server) Connect(playerID string) transport.Transport {
	return &conn{srv: s, playerID: playerID,
		msgs: make(chan transport.Message, 64),
		life: make(chan transport.ConnEvent, 4),
	}
}

// Enumerator returns the server's legal-action oracle. It is stateless given
// the snapshot: the candidate set is derived from snapshot contents only.
func (s *Server) Enumerator() game.ActionEnumerator {
	return enumerator{advertiseUndo: s.opts.AdvertiseUndo}
}

type enumerator struct {
	advertiseUndo bool
}

func (e enumerator) Enumerate(snap game.Snapshot, playerID string) []game.CandidateAction {
	s, ok := snap.(*Snapshot)
	if !ok || s.Over {
		return nil
	}

	if s.Phase == ModeTactic {
		if playerID != s.TacticFor {
			return nil
		}
		return []game.CandidateAction{
			{Action: map[string]any{"type": "choose_tactic", "tactic": "aggressive"}, Source: "rules"},
			{Action: map[string]any{"type": "choose_tactic", "tactic": "defensive"}, Source: "rules"},
		}
	}

	if playerID != s.Actor {
		return nil
	}
	candidates := []game.CandidateAction{
		{Action: map[string]any{"type": "end_turn"}, Source: "rules"},
	}
	if s.Hands[playerID] > 0 {
		candidates = append(candidates,
			game.CandidateAction{Action: map[string]any{"type": "play_card"}, Source: "rules"})
	}
	for _, other := range s.Order {
		if other != playerID {
			candidates = append(candidates,
				game.CandidateAction{Action: map[string]any{"type": "attack", "target": other}, Source: "rules"})
		}
	}
	if e.advertiseUndo {
		candidates = append(candidates,
			game.CandidateAction{Action: map[string]any{"type": "undo"}, Source: "rules"})
	}
	return candidates
}

func (s *Server) snapshot() *Snapshot {
	piles := make(map[string]int, len(s.piles))
	for k, v := range s.piles {
		piles[k] = v
	}
	hands := make(map[string]int, len(s.hands))
	for k, v := range s.hands {
		hands[k] = v
	}
	order := append([]string(nil), s.opts.Players...)
	return &Snapshot{
		Actor:     s.opts.Players[s.current],
		Order:     order,
		Over:      s.over,
		Phase:     s.phase,
		Piles:     piles,
		Hands:     hands,
		TacticFor: s.tactic,
	}
}

func (s *Server) attach(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seats[c.playerID] = c
	c.sendLife(transport.ConnEvent{Kind: transport.EventConnected})
	c.send(transport.Message{
		Type:    transport.MessageLobbyState,
		GameID:  s.gameID,
		Players: append([]string(nil), s.opts.Players...),
	})
	c.send(transport.Message{Type: transport.MessageStateUpdate, State: s.snapshot()})
}

func (s *Server) detach(playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seats, playerID)
}

// handle processes one action and broadcasts the resulting update.
func (s *Server) handle(playerID string, action any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.over {
		return fmt.Errorf("game %s is over", s.gameID)
	}
	fields, ok := action.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected action payload %T", action)
	}
	actionType, _ := fields["type"].(string)

	s.actions++

	if s.opts.MuteAfterStep > 0 && s.actions > s.opts.MuteAfterStep {
		// The server goes silent: action accepted, no update ever sent.
		return nil
	}
	if s.opts.ErrorAfterStep > 0 && s.actions > s.opts.ErrorAfterStep {
		s.broadcast(transport.Message{
			Type: transport.MessageError,
			Code: "internal",
			Text: fmt.Sprintf("injected failure handling %q", actionType),
		})
		return nil
	}
	if s.opts.RejectAfterStep > 0 && s.actions > s.opts.RejectAfterStep {
		// The action was advertised as legal; rejecting it anyway is the
		// enumerator/server disagreement the harness must catch.
		s.broadcast(transport.Message{
			Type:  transport.MessageStateUpdate,
			State: s.snapshot(),
			Events: []game.Event{{
				Type:       game.EventActionRejected,
				PlayerID:   playerID,
				ActionType: actionType,
			}},
		})
		return nil
	}

	s.apply(playerID, actionType)

	var events []game.Event
	if s.over {
		events = append(events, game.Event{Type: game.EventGameEnded})
	}
	s.broadcast(transport.Message{
		Type:   transport.MessageStateUpdate,
		State:  s.snapshot(),
		Events: events,
	})
	return nil
}

func (s *Server) apply(playerID, actionType string) {
	switch actionType {
	case "play_card":
		if s.hands[playerID] > 0 {
			s.hands[playerID]--
		}
	case "attack":
		// Combat is a sub-action: no resource change, turn continues.
	case "choose_tactic":
		s.phase = ModeAction
		s.tactic = ""
	case "end_turn":
		if !s.opts.FreezeResources && s.piles[playerID] > 0 {
			s.piles[playerID]--
			s.hands[playerID]++
			if s.piles[playerID] == 0 {
				s.over = true
			}
		}
		s.endTurns++
		previous := s.opts.Players[s.current]
		s.current = (s.current + 1) % len(s.opts.Players)
		if !s.over && s.opts.TacticEvery > 0 && s.endTurns%s.opts.TacticEvery == 0 {
			// Interstitial phase: the player who just finished must pick a
			// tactic even though the turn has already moved on.
			s.phase = ModeTactic
			s.tactic = previous
		}
	}
}

func (s *Server) broadcast(msg transport.Message) {
	for _, c := range s.seats {
		c.send(msg)
	}
}

type conn struct {
	srv      *Server
	playerID string
	msgs     chan transport.Message
	life     chan transport.ConnEvent
	mu       sync.Mutex
	closed   bool
}

func (c *conn) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.srv.attach(c)
	return nil
}

func (c *conn) SendAction(ctx context.Context, action any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.srv.handle(c.playerID, action)
}

func (c *conn) Messages() <-chan transport.Message    { return c.msgs }
func (c *conn) Lifecycle() <-chan transport.ConnEvent { return c.life }

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.srv.detach(c.playerID)
	return nil
}

// send drops instead of blocking when a seat stops draining, so a finished
// episode can never wedge the server lock.
func (c *conn) send(msg transport.Message) {
	select {
	case c.msgs <- msg:
	default:
	}
}

func (c *conn) sendLife(ev transport.ConnEvent) {
	select {
	case c.life <- ev:
	default:
	}
}

// EncodeState vectorizes a loopback snapshot for a learned policy: the
// acting player's pile and hand, the strongest opponent pile and a terminal
// flag, all scaled to roughly unit range.
func EncodeState(snap game.Snapshot, playerID string) []float32 {
	s, ok := snap.(*Snapshot)
	if !ok {
		return []float32{0, 0, 0, 0}
	}
	oppPile := 0
	for id, pile := range s.Piles {
		if id != playerID && pile > oppPile {
			oppPile = pile
		}
	}
	terminal := float32(0)
	if s.Over {
		terminal = 1
	}
	scale := float32(20)
	return []float32{
		float32(s.Piles[playerID]) / scale,
		float32(s.Hands[playerID]) / scale,
		float32(oppPile) / scale,
		terminal,
	}
}
