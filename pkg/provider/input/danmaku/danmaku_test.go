package danmaku

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vtuberkit/stagehand/pkg/provider"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGateway launches a test gateway that checks the join frame, sends the
// scripted frames, then holds the connection open until the client leaves.
func startGateway(t *testing.T, room string, frames []any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		var join joinRequest
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Errorf("read join: %v", err)
			return
		}
		if err := json.Unmarshal(data, &join); err != nil || join.Op != "join" || join.RoomID != room {
			t.Errorf("join frame = %s", data)
			return
		}

		for _, f := range frames {
			payload, _ := json.Marshal(f)
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
		// Hold the socket open; the client ends the session via Stop.
		_, _, _ = conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFramesBecomeMessages(t *testing.T) {
	srv := startGateway(t, "12345", []any{
		frame{Op: "chat", UID: "u1", Nickname: "ann", Text: "hello stream"},
		frame{Op: "gift", UID: "u2", Nickname: "bob", GiftName: "rocket", GiftNum: 3},
		frame{Op: "super_chat", UID: "u3", Nickname: "cyd", Text: "love the model", Price: 20},
		map[string]any{"op": "heartbeat"},
		frame{Op: "chat", UID: "u1", Nickname: "ann"}, // empty text, dropped
	})

	p, err := Factory(map[string]any{"url": wsURL(srv), "room_id": "12345"}, provider.Context{})
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	ch, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	var got []vtuber.NormalizedMessage
	timeout := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case msg := <-ch:
			if !msg.Valid() {
				t.Fatalf("invalid message: %+v", msg)
			}
			got = append(got, msg)
		case <-timeout:
			t.Fatalf("received %d messages, want 3", len(got))
		}
	}

	if got[0].Text != "hello stream" || got[0].DataType != vtuber.DataTypeText || got[0].UserID() != "u1" {
		t.Fatalf("chat message = %+v", got[0])
	}
	if got[1].DataType != vtuber.DataTypeGift || !strings.Contains(got[1].Text, "3 x rocket") {
		t.Fatalf("gift message = %+v", got[1])
	}
	if got[2].DataType != vtuber.DataTypeSuperChat || got[2].Importance != 1.0 {
		t.Fatalf("super chat message = %+v", got[2])
	}
}

func TestStopClosesStream(t *testing.T) {
	srv := startGateway(t, "1", nil)

	p, err := Factory(map[string]any{"url": wsURL(srv), "room_id": "1"}, provider.Context{})
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	ch, err := p.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected message after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after Stop")
	}
}

func TestFactoryRequiresEndpoint(t *testing.T) {
	if _, err := Factory(map[string]any{"room_id": "1"}, provider.Context{}); err == nil {
		t.Fatal("missing url must fail")
	}
	if _, err := Factory(map[string]any{"url": "ws://x"}, provider.Context{}); err == nil {
		t.Fatal("missing room_id must fail")
	}
}

func TestStartFailsWhenGatewayUnreachable(t *testing.T) {
	p, err := Factory(map[string]any{"url": "ws://127.0.0.1:1", "room_id": "1"}, provider.Context{})
	if err != nil {
		t.Fatalf("Factory: %v", err)
	}
	if _, err := p.Start(context.Background()); err == nil {
		t.Fatal("unreachable gateway must fail Start")
	}
}
