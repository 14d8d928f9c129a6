package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/logging"
)

// newLoopbackPeer wires a Bus's peer to a fake "worker" goroutine reading requests
// off one end of an in-memory pipe and writing responses to the other,
// without needing a real subprocess.
func newLoopbackPeer(t *testing.T, bus *Bus, id string, workerHandle func(req Message) Message) {
	t.Helper()

	masterToWorkerR, masterToWorkerW := io.Pipe()
	workerToMasterR, workerToMasterW := io.Pipe()

	peer := bus.NewPeerWithDispatch(id, masterToWorkerW, workerToMasterR, 1000, 30*time.Second)
	bus.AddPeer(id, peer)

	go func() {
		reader := bufio.NewReader(masterToWorkerR)
		for {
			req, err := ReadFrame(reader)
			if err != nil {
				return
			}
			resp := workerHandle(req)
			_ = WriteFrame(workerToMasterW, resp)
		}
	}()
}

// TestScenario_S4_IPCRequestResponse mirrors: master sends request
// type="ping" to worker w2, the worker replies {status:"alive"}, and
// SendRequest resolves to that payload within the timeout with a matching
// correlation id.
func TestScenario_S4_IPCRequestResponse(t *testing.T) {
	bus := New(logging.Noop(), nil)

	newLoopbackPeer(t, bus, "w2", func(req Message) Message {
		assert.Equal(t, TypeRequest, req.Type)

		var body struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		data, _ := json.Marshal(req.Data)
		require.NoError(t, json.Unmarshal(data, &body))
		assert.Equal(t, "ping", body.Event)

		return Message{
			ID:            "resp-1",
			Type:          TypeResponse,
			From:          "w2",
			To:            Master,
			Timestamp:     time.Now(),
			CorrelationID: req.ID,
			Data:          map[string]any{"status": "alive"},
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := bus.SendRequest(ctx, "w2", "ping", map[string]any{}, 5*time.Second)
	require.NoError(t, err)

	var payload map[string]any
	data, _ := json.Marshal(resp.Data)
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "alive", payload["status"])
}

func TestSendRequest_TimesOutWhenWorkerNeverResponds(t *testing.T) {
	bus := New(logging.Noop(), nil)
	newLoopbackPeer(t, bus, "w1", func(req Message) Message {
		// never respond
		select {}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := bus.SendRequest(ctx, "w1", "ping", nil, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestBroadcast_ToleratesPartialFailure(t *testing.T) {
	bus := New(logging.Noop(), nil)

	for _, id := range []string{"w1", "w2"} {
		id := id
		newLoopbackPeer(t, bus, id, func(req Message) Message {
			return Message{ID: "x", Type: TypeResponse, From: id, To: Master, Timestamp: time.Now()}
		})
	}
	bus.RemovePeer("w2") // simulate a worker that has already gone away

	failures := bus.Broadcast(map[string]any{"reload": true})
	assert.Len(t, bus.PeerIDs(), 1)
	assert.Empty(t, failures)
}

func TestSendToWorker_UnknownPeerErrors(t *testing.T) {
	bus := New(logging.Noop(), nil)
	err := bus.SendToWorker("ghost", map[string]any{})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestDispatch_DropsMessageMissingRequiredFields(t *testing.T) {
	bus := New(logging.Noop(), nil)

	received := make(chan Message, 1)
	bus.On(TypeEvent, func(m Message) { received <- m })

	bus.dispatch(Message{Type: TypeEvent}) // missing id/from/to/timestamp
	bus.dispatch(Message{ID: "e1", Type: TypeEvent, From: "w1", To: Master, Timestamp: time.Now()})

	select {
	case m := <-received:
		assert.Equal(t, "e1", m.ID)
	case <-time.After(time.Second):
		t.Fatal("expected valid event to reach handler")
	}
}

func TestResolveTarget_LeastLoadedPicksLowestLoad(t *testing.T) {
	loads := map[string]int{"w1": 5, "w2": 1, "w3": 9}
	bus := New(logging.Noop(), func(id string) int { return loads[id] })

	for id := range loads {
		bus.AddPeer(id, &Peer{ID: id, done: make(chan struct{})})
	}

	target, err := bus.resolveTarget("least-loaded")
	require.NoError(t, err)
	assert.Equal(t, "w2", target)
}
