package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"speakerlens/diarize"
	"speakerlens/internal/config"
	"speakerlens/meeting"
	"speakerlens/profile"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type localSelector struct{}

func (localSelector) Select(diarize.Capability) (diarize.Target, error) {
	return diarize.TargetLocal, nil
}
func (localSelector) ReportFailure(diarize.Capability) {}
func (localSelector) ReportSuccess(diarize.Capability) {}
func (localSelector) Degraded() bool                   { return false }

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, _ []float32) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

// jsonClient is a lightweight gRPC JSON client for the Control stream.
type jsonClient struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

func newJSONClient(t *testing.T, addr string) *jsonClient {
	t.Helper()

	conn, err := grpc.Dial(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			if strings.HasPrefix(addr, "unix:") {
				return net.DialTimeout("unix", strings.TrimPrefix(addr, "unix:"), 3*time.Second)
			}
			if strings.HasPrefix(addr, "/") {
				return net.DialTimeout("unix", addr, 3*time.Second)
			}
			return net.DialTimeout("tcp", addr, 3*time.Second)
		}),
	)
	if err != nil {
		t.Fatalf("dial grpc: %v", err)
	}

	stream, err := conn.NewStream(context.Background(), &_Control_serviceDesc.Streams[0], "/speakerlens.Control/Stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	return &jsonClient{conn: conn, stream: stream}
}

func (c *jsonClient) send(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	// Send as generic interface{} so ForceCodec(jsonCodec{}) kicks in on server
	var any interface{}
	if err := json.Unmarshal(raw, &any); err != nil {
		return err
	}
	return c.stream.SendMsg(any)
}

func (c *jsonClient) recv(timeout time.Duration) (Message, error) {
	var msg Message
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	recvDone := make(chan error, 1)
	go func() { recvDone <- c.stream.RecvMsg(&msg) }()
	select {
	case err := <-recvDone:
		return msg, err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// recvType skips broadcast events until a message of the wanted type arrives.
func (c *jsonClient) recvType(t *testing.T, want string) Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := c.recv(time.Until(deadline))
		if err != nil {
			t.Fatalf("recv waiting for %q: %v", want, err)
		}
		if msg.Type == "error" && want != "error" {
			t.Fatalf("unexpected error waiting for %q: %s", want, msg.Error)
		}
		if msg.Type == want {
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", want)
	return Message{}
}

func (c *jsonClient) close() {
	_ = c.stream.CloseSend()
	_ = c.conn.Close()
}

// startTestServer запускает минимальный сервер с unix сокетом.
func startTestServer(t *testing.T) *Server {
	t.Helper()

	socket := fmt.Sprintf("%s/speakerlens-%d.sock", os.TempDir(), time.Now().UnixNano())
	t.Cleanup(func() { _ = os.Remove(socket) })

	dataDir := t.TempDir()
	cfg := &config.Config{
		DataDir:  dataDir,
		Port:     "0",
		GRPCAddr: "unix:" + socket,
	}

	store, err := profile.NewStore(dataDir, profile.DefaultRetention)
	if err != nil {
		t.Fatalf("profile store: %v", err)
	}
	t.Cleanup(store.Close)

	mgr, err := meeting.NewManager(meeting.DefaultManagerConfig(dataDir), meeting.Deps{
		NewSelector: func(diarize.Config) diarize.Selector { return localSelector{} },
		NewEmbedder: func(diarize.Selector, time.Duration) diarize.Embedder { return fixedEmbedder{} },
		Profiles:    store,
	})
	if err != nil {
		t.Fatalf("meeting manager: %v", err)
	}
	t.Cleanup(mgr.Close)

	s := NewServer(cfg, mgr, store)

	go s.startGRPCServer()
	time.Sleep(300 * time.Millisecond) // дать сокету создаться
	return s
}

func TestControlStream_MeetingLifecycle(t *testing.T) {
	s := startTestServer(t)

	client := newJSONClient(t, s.Config.GRPCAddr)
	defer client.close()

	if err := client.send(Message{Type: "get_config"}); err != nil {
		t.Fatalf("send get_config: %v", err)
	}
	cfgMsg := client.recvType(t, "config")
	if cfgMsg.Config == nil || cfgMsg.Config.ProcessingMode != diarize.ModeBatch {
		t.Fatalf("unexpected default config: %+v", cfgMsg.Config)
	}

	newCfg := diarize.Config{
		ProcessingMode:       diarize.ModeBatch,
		PrivacyMode:          diarize.PrivacyLocalOnly,
		ConfidenceThreshold:  0.7,
		EnableIdentification: false,
	}
	if err := client.send(Message{Type: "configure", Config: &newCfg}); err != nil {
		t.Fatalf("send configure: %v", err)
	}
	confirmed := client.recvType(t, "configured")
	if confirmed.Config.PrivacyMode != diarize.PrivacyLocalOnly {
		t.Fatalf("configure not applied: %+v", confirmed.Config)
	}

	if err := client.send(Message{Type: "start_meeting"}); err != nil {
		t.Fatalf("send start_meeting: %v", err)
	}
	started := client.recvType(t, "meeting_started")
	if started.MeetingID == "" {
		t.Fatal("meeting_started without meetingId")
	}

	utterances := []diarize.TranscriptUtterance{
		{Text: "Hello everyone.", Start: 0.1, End: 1.9},
	}
	if err := client.send(Message{Type: "push_transcript", MeetingID: started.MeetingID, Utterances: utterances}); err != nil {
		t.Fatalf("send push_transcript: %v", err)
	}

	if err := client.send(Message{Type: "finish_meeting", MeetingID: started.MeetingID}); err != nil {
		t.Fatalf("send finish_meeting: %v", err)
	}
	finished := client.recvType(t, "meeting_finished")
	if finished.Meeting == nil || finished.Meeting.Status != meeting.StatusCompleted {
		t.Fatalf("unexpected finished meeting: %+v", finished.Meeting)
	}
	if len(finished.Meeting.Utterances) != 1 {
		t.Fatalf("expected 1 utterance, got %d", len(finished.Meeting.Utterances))
	}
}

func TestControlStream_RunStatusBroadcast(t *testing.T) {
	s := startTestServer(t)

	client := newJSONClient(t, s.Config.GRPCAddr)
	defer client.close()

	if err := client.send(Message{Type: "start_meeting"}); err != nil {
		t.Fatalf("send start_meeting: %v", err)
	}
	started := client.recvType(t, "meeting_started")

	if err := client.send(Message{Type: "finish_meeting", MeetingID: started.MeetingID}); err != nil {
		t.Fatalf("send finish_meeting: %v", err)
	}

	status := client.recvType(t, "run_status")
	if status.RunStatus == nil || status.RunStatus.MeetingID != started.MeetingID {
		t.Fatalf("unexpected run_status: %+v", status.RunStatus)
	}
}

func TestControlStream_UnknownType(t *testing.T) {
	s := startTestServer(t)

	client := newJSONClient(t, s.Config.GRPCAddr)
	defer client.close()

	if err := client.send(Message{Type: "bogus"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg := client.recvType(t, "error")
	if !strings.Contains(msg.Error, "bogus") {
		t.Fatalf("error should name the type, got %q", msg.Error)
	}
}

func TestWebSocket_StatisticsAndNaming(t *testing.T) {
	s := startTestServer(t)

	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	recvType := func(want string) Message {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				t.Fatalf("read waiting for %q: %v", want, err)
			}
			if msg.Type == "error" && want != "error" {
				t.Fatalf("unexpected error waiting for %q: %s", want, msg.Error)
			}
			if msg.Type == want {
				return msg
			}
		}
	}

	if err := conn.WriteJSON(Message{Type: "start_meeting"}); err != nil {
		t.Fatalf("write start_meeting: %v", err)
	}
	started := recvType("meeting_started")

	utterances := []diarize.TranscriptUtterance{
		{Text: "Status update from me.", Start: 0.0, End: 2.0},
	}
	if err := conn.WriteJSON(Message{Type: "push_transcript", MeetingID: started.MeetingID, Utterances: utterances}); err != nil {
		t.Fatalf("write push_transcript: %v", err)
	}
	if err := conn.WriteJSON(Message{Type: "push_chunk", MeetingID: started.MeetingID, Samples: make([]float32, 32000)}); err != nil {
		t.Fatalf("write push_chunk: %v", err)
	}
	if err := conn.WriteJSON(Message{Type: "finish_meeting", MeetingID: started.MeetingID}); err != nil {
		t.Fatalf("write finish_meeting: %v", err)
	}
	recvType("meeting_finished")

	if err := conn.WriteJSON(Message{Type: "set_speaker_name", MeetingID: started.MeetingID, Speaker: "Speaker 1", Name: "Alice"}); err != nil {
		t.Fatalf("write set_speaker_name: %v", err)
	}
	named := recvType("speaker_named")
	if len(named.Mappings) != 1 || named.Mappings[0].Name != "Alice" {
		t.Fatalf("unexpected mappings: %+v", named.Mappings)
	}

	if err := conn.WriteJSON(Message{Type: "get_statistics", MeetingID: started.MeetingID}); err != nil {
		t.Fatalf("write get_statistics: %v", err)
	}
	stats := recvType("statistics")
	if len(stats.Statistics) != 1 || stats.Statistics[0].Speaker != "Alice" {
		t.Fatalf("unexpected statistics: %+v", stats.Statistics)
	}
}
