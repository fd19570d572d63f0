package api

import (
	"speakerlens/diarize"
	"speakerlens/meeting"
	"speakerlens/profile"
)

// Message структура сообщения WebSocket и gRPC stream
type Message struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`

	// Запросы
	MeetingID  string                        `json:"meetingId,omitempty"`
	Samples    []float32                     `json:"samples,omitempty"`
	Utterances []diarize.TranscriptUtterance `json:"utterances,omitempty"`
	Speaker    string                        `json:"speaker,omitempty"`
	Name       string                        `json:"name,omitempty"`
	Config     *diarize.Config               `json:"config,omitempty"`

	// Ответы
	Meeting    *meeting.Meeting            `json:"meeting,omitempty"`
	Statistics []diarize.SpeakerStatistics `json:"statistics,omitempty"`
	Mappings   []diarize.SpeakerMapping    `json:"mappings,omitempty"`
	Profiles   []profile.Record            `json:"profiles,omitempty"`

	// События run_status
	RunStatus *meeting.RunStatus `json:"runStatus,omitempty"`

	Error string `json:"error,omitempty"`
}
