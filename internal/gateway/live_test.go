package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/pkg/models"
)

func dialLive(t *testing.T, f *gatewayFixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/run_live/testapp/u1/s1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expectClose reads until the server closes the connection and returns the
// close error.
func expectClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				t.Fatalf("read error = %v, want close error", err)
			}
			return ce
		}
	}
}

func TestLiveBinaryFrameCloses1003(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dialLive(t, f)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	ce := expectClose(t, conn)
	if ce.Code != websocket.CloseUnsupportedData {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseUnsupportedData)
	}
}

func TestLiveMalformedFrameCloses1002(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dialLive(t, f)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	ce := expectClose(t, conn)
	if ce.Code != websocket.CloseProtocolError {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseProtocolError)
	}
}

func TestLiveUnknownSessionCloses1002(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dialLive(t, f)

	if err := conn.WriteJSON(LiveRequest{Action: "start", ThreadID: "missing"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	ce := expectClose(t, conn)
	if ce.Code != websocket.CloseProtocolError {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseProtocolError)
	}
	if ce.Text != "Session not found" {
		t.Errorf("close reason = %q, want %q", ce.Text, "Session not found")
	}
	if len(ce.Text) > 123 {
		t.Errorf("close reason is %d bytes, cap is 123", len(ce.Text))
	}
}

func TestLiveUnknownActionCloses1002(t *testing.T) {
	f := newGatewayFixture(t)
	conn := dialLive(t, f)

	if err := conn.WriteJSON(LiveRequest{Action: "levitate"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	ce := expectClose(t, conn)
	if ce.Code != websocket.CloseProtocolError {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseProtocolError)
	}
}

func TestLiveStartStreamsRunToTerminal(t *testing.T) {
	f := newGatewayFixture(t)
	f.seedThread(t, "t1")
	conn := dialLive(t, f)

	if err := conn.WriteJSON(LiveRequest{Action: "start", ThreadID: "t1"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack liveAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != "run_started" || ack.RunID == "" {
		t.Fatalf("ack = %+v, want run_started with run id", ack)
	}

	var events []*models.Event
	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v (got %d events)", err, len(events))
		}
		events = append(events, &ev)
		if ev.Terminal() {
			break
		}
	}

	if events[0].Type != models.EventStatus || events[0].State != models.RunStatusRunning {
		t.Errorf("first event = %s/%s, want status running", events[0].Type, events[0].State)
	}
	last := events[len(events)-1]
	if last.State != models.RunStatusCompleted {
		t.Errorf("terminal state = %s, want completed", last.State)
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestLiveStreamResumesExistingRun(t *testing.T) {
	f := newGatewayFixture(t)
	f.seedThread(t, "t1")
	runID := f.startRun(t, "t1")

	// Let the run finish before subscribing mid-log.
	waitForTerminal(t, f, runID)

	conn := dialLive(t, f)
	if err := conn.WriteJSON(LiveRequest{Action: "stream", RunID: runID, FromSeq: 2}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first models.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if first.Seq != 3 {
		t.Errorf("first resumed seq = %d, want 3", first.Seq)
	}
}

func TestLiveSchemaDescribesFrames(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Get(f.server.URL + "/run_live/schema")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&schema); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	for _, prop := range []string{"action", "thread_id", "run_id", "from_seq"} {
		if _, ok := schema.Properties[prop]; !ok {
			t.Errorf("schema missing property %q", prop)
		}
	}
}

func waitForTerminal(t *testing.T, f *gatewayFixture, runID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := f.store.GetRun(t.Context(), runID)
		if err == nil && run.Status.Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal state", runID)
}
