package loopback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"gauntlet/game"
	"gauntlet/transport"
)

func TestEnumerator(t *testing.T) {
	server := NewServer("g", Options{AdvertiseUndo: true})
	enumerator := server.Enumerator()

	t.Run("offers the current actor the full action-phase set", func(t *testing.T) {
		snap := &Snapshot{
			Actor: "p1",
			Order: []string{"p1", "p2"},
			Phase: ModeAction,
			Hands: map[string]int{"p1": 2},
		}

		types := game.TypeSet(enumerator.Enumerate(snap, "p1"))

		require.Equal(t, []string{"attack", "end_turn", "play_card", "undo"}, types)
	})

	t.Run("omits card plays from an empty hand", func(t *testing.T) {
		snap := &Snapshot{
			Actor: "p1",
			Order: []string{"p1", "p2"},
			Phase: ModeAction,
			Hands: map[string]int{"p1": 0},
		}

		types := game.TypeSet(enumerator.Enumerate(snap, "p1"))

		require.NotContains(t, types, "play_card")
	})

	t.Run("offers nothing to a non-current player in the action phase", func(t *testing.T) {
		snap := &Snapshot{Actor: "p1", Order: []string{"p1", "p2"}, Phase: ModeAction}

		require.Empty(t, enumerator.Enumerate(snap, "p2"))
	})

	t.Run("the tactic phase is answered only by the designated player", func(t *testing.T) {
		snap := &Snapshot{
			Actor:     "p1",
			Order:     []string{"p1", "p2"},
			Phase:     ModeTactic,
			TacticFor: "p2",
		}

		require.Empty(t, enumerator.Enumerate(snap, "p1"),
			"The current actor waits during the interstitial")
		require.Equal(t, []string{"choose_tactic"}, game.TypeSet(enumerator.Enumerate(snap, "p2")))
	})

	t.Run("offers nothing once the game is over", func(t *testing.T) {
		snap := &Snapshot{Actor: "p1", Order: []string{"p1", "p2"}, Over: true}

		require.Empty(t, enumerator.Enumerate(snap, "p1"))
	})
}

func TestServerPlay(t *testing.T) {
	server := NewServer("g", Options{DrawPile: 2, HandSize: 1})
	p1 := server.Connect("p1")
	p2 := server.Connect("p2")
	require.NoError(t, p1.Connect(context.Background()))
	require.NoError(t, p2.Connect(context.Background()))

	// Drain the connection handshake: lobby state then the initial snapshot.
	lobby := <-p1.Messages()
	require.Equal(t, transport.MessageLobbyState, lobby.Type)
	require.Equal(t, "g", lobby.GameID)
	initial := <-p1.Messages()
	require.Equal(t, transport.MessageStateUpdate, initial.Type)

	t.Run("an end turn draws a card and rotates the actor", func(t *testing.T) {
		require.NoError(t, p1.SendAction(context.Background(), map[string]any{"type": "end_turn"}))

		msg := <-p1.Messages()
		snap := msg.State.(*Snapshot)
		require.Equal(t, "p2", snap.Actor)
		require.Equal(t, 1, snap.Piles["p1"], "Ending a turn consumes one card from the pile")
		require.Equal(t, 2, snap.Hands["p1"], "The drawn card lands in the hand")
	})

	t.Run("draining a pile ends the game", func(t *testing.T) {
		require.NoError(t, p2.SendAction(context.Background(), map[string]any{"type": "end_turn"}))
		<-p1.Messages()
		require.NoError(t, p1.SendAction(context.Background(), map[string]any{"type": "end_turn"}))

		msg := <-p1.Messages()
		snap := msg.State.(*Snapshot)
		require.True(t, snap.Terminal())
		require.Equal(t, 0, snap.Piles["p1"])
		require.Len(t, msg.Events, 1)
		require.Equal(t, game.EventGameEnded, msg.Events[0].Type)
	})
}

func TestEncodeState(t *testing.T) {
	snap := &Snapshot{
		Actor: "p1",
		Order: []string{"p1", "p2"},
		Piles: map[string]int{"p1": 10, "p2": 4},
		Hands: map[string]int{"p1": 2, "p2": 3},
	}

	features := EncodeState(snap, "p1")

	require.Equal(t, []float32{0.5, 0.1, 0.2, 0}, features)
	require.Len(t, EncodeState(nil, "p1"), 4, "Unknown snapshots encode as a zero vector")
}
