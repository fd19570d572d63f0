// Package api предоставляет управляющий интерфейс: WebSocket и gRPC stream
// с одним и тем же JSON-форматом сообщений.
package api

import (
	"log"
	"net/http"
	"sync"

	"speakerlens/internal/config"
	"speakerlens/meeting"
	"speakerlens/profile"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	Config   *config.Config
	Manager  *meeting.Manager
	Profiles *profile.Store

	clients map[*websocket.Conn]bool
	streams map[*streamClient]bool
	mu      sync.Mutex
}

func NewServer(cfg *config.Config, mgr *meeting.Manager, profiles *profile.Store) *Server {
	s := &Server{
		Config:   cfg,
		Manager:  mgr,
		Profiles: profiles,
		clients:  make(map[*websocket.Conn]bool),
		streams:  make(map[*streamClient]bool),
	}
	s.setupCallbacks()
	return s
}

func (s *Server) Start() {
	http.HandleFunc("/ws", s.handleWebSocket)

	go s.startGRPCServer()

	log.Printf("Backend listening on :%s", s.Config.Port)
	if err := http.ListenAndServe(":"+s.Config.Port, nil); err != nil {
		log.Fatal("ListenAndServe:", err)
	}
}

func (s *Server) setupCallbacks() {
	// События о состоянии запусков рассылаются всем подключённым клиентам
	s.Manager.SetStatusCallback(func(st meeting.RunStatus) {
		s.broadcast(Message{
			Type:      "run_status",
			MeetingID: st.MeetingID,
			RunStatus: &st,
		})
	})
}

func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.clients {
		// Записи всех источников сериализуются через s.mu,
		// отдельный write pump на клиента не нужен
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("Write error: %v", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
	for sc := range s.streams {
		sc.send(msg)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade:", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	reply := func(msg Message) {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("Write error: %v", err)
		}
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Println("Read:", err)
			break
		}
		s.processMessage(reply, msg)
	}
}

func (s *Server) processMessage(reply func(Message), msg Message) {
	switch msg.Type {
	case "configure":
		if msg.Config == nil {
			reply(Message{Type: "error", Error: "config is required"})
			return
		}
		if err := s.Manager.Configure(*msg.Config); err != nil {
			reply(Message{Type: "error", Error: err.Error()})
			return
		}
		cfg := s.Manager.Config()
		reply(Message{Type: "configured", Config: &cfg})

	case "get_config":
		cfg := s.Manager.Config()
		reply(Message{Type: "config", Config: &cfg})

	case "start_meeting":
		m, err := s.Manager.StartMeeting()
		if err != nil {
			reply(Message{Type: "error", Error: err.Error()})
			return
		}
		reply(Message{Type: "meeting_started", MeetingID: m.ID, Meeting: m})

	case "push_chunk":
		if msg.MeetingID == "" || len(msg.Samples) == 0 {
			reply(Message{Type: "error", Error: "meetingId and samples are required"})
			return
		}
		if err := s.Manager.PushChunk(msg.MeetingID, msg.Samples); err != nil {
			reply(Message{Type: "error", MeetingID: msg.MeetingID, Error: err.Error()})
		}

	case "push_transcript":
		if msg.MeetingID == "" {
			reply(Message{Type: "error", Error: "meetingId is required"})
			return
		}
		if err := s.Manager.PushTranscript(msg.MeetingID, msg.Utterances); err != nil {
			reply(Message{Type: "error", MeetingID: msg.MeetingID, Error: err.Error()})
		}

	case "finish_meeting":
		if msg.MeetingID == "" {
			reply(Message{Type: "error", Error: "meetingId is required"})
			return
		}
		m, err := s.Manager.FinishMeeting(msg.MeetingID)
		if err != nil {
			reply(Message{Type: "error", MeetingID: msg.MeetingID, Error: err.Error()})
			return
		}
		reply(Message{Type: "meeting_finished", MeetingID: m.ID, Meeting: m})

	case "cancel_meeting":
		if msg.MeetingID == "" {
			reply(Message{Type: "error", Error: "meetingId is required"})
			return
		}
		if err := s.Manager.CancelMeeting(msg.MeetingID); err != nil {
			reply(Message{Type: "error", MeetingID: msg.MeetingID, Error: err.Error()})
			return
		}
		reply(Message{Type: "meeting_cancelled", MeetingID: msg.MeetingID})

	case "get_meeting":
		m, err := s.Manager.GetMeeting(msg.MeetingID)
		if err != nil {
			reply(Message{Type: "error", MeetingID: msg.MeetingID, Error: err.Error()})
			return
		}
		reply(Message{Type: "meeting_details", MeetingID: m.ID, Meeting: m})

	case "get_statistics":
		stats, err := s.Manager.Statistics(msg.MeetingID)
		if err != nil {
			reply(Message{Type: "error", MeetingID: msg.MeetingID, Error: err.Error()})
			return
		}
		reply(Message{Type: "statistics", MeetingID: msg.MeetingID, Statistics: stats})

	case "set_speaker_name":
		if msg.MeetingID == "" || msg.Speaker == "" {
			reply(Message{Type: "error", Error: "meetingId and speaker are required"})
			return
		}
		if err := s.Manager.SetSpeakerName(msg.MeetingID, msg.Speaker, msg.Name); err != nil {
			reply(Message{Type: "error", MeetingID: msg.MeetingID, Error: err.Error()})
			return
		}
		m, err := s.Manager.GetMeeting(msg.MeetingID)
		if err != nil {
			reply(Message{Type: "error", MeetingID: msg.MeetingID, Error: err.Error()})
			return
		}
		reply(Message{Type: "speaker_named", MeetingID: m.ID, Mappings: m.Mappings, Meeting: m})

	case "get_profiles":
		if s.Profiles == nil {
			reply(Message{Type: "profiles", MeetingID: msg.MeetingID})
			return
		}
		reply(Message{
			Type:      "profiles",
			MeetingID: msg.MeetingID,
			Profiles:  s.Profiles.ByMeeting(msg.MeetingID),
		})

	default:
		reply(Message{Type: "error", Error: "unknown message type: " + msg.Type})
	}
}
