// Package meeting управляет жизненным циклом встреч: приём аудио и
// транскриптов, запуски диаризации, маппинги имён и сохранение результатов.
package meeting

import (
	"time"

	"speakerlens/diarize"
)

// Status статус встречи
type Status string

const (
	StatusActive    Status = "active"
	StatusFinishing Status = "finishing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Meeting состояние одной встречи. Конфигурация снимается копией
// при старте: configure во время запуска на него не влияет.
type Meeting struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	Status    Status         `json:"status"`
	Config    diarize.Config `json:"config"`

	Segments   []diarize.AudioSegment      `json:"segments,omitempty"`
	Utterances []diarize.LabeledUtterance  `json:"utterances,omitempty"`
	Mappings   []diarize.SpeakerMapping    `json:"mappings,omitempty"`
	Statistics []diarize.SpeakerStatistics `json:"statistics,omitempty"`

	TotalAudioDuration float64 `json:"totalAudioDuration"`
	AlignmentFailures  int     `json:"alignmentFailures"`
	Degraded           bool    `json:"degraded"`
	DroppedChunks      int     `json:"droppedChunks"`
	Error              string  `json:"error,omitempty"`
}

// RunStatus событие о состоянии запуска, отдаётся подписчикам
type RunStatus struct {
	MeetingID         string `json:"meetingId"`
	Status            Status `json:"status"`
	Degraded          bool   `json:"degraded"`
	AlignmentFailures int    `json:"alignmentFailures"`
	DroppedChunks     int    `json:"droppedChunks"`
	Error             string `json:"error,omitempty"`
}

func (m *Meeting) runStatus() RunStatus {
	return RunStatus{
		MeetingID:         m.ID,
		Status:            m.Status,
		Degraded:          m.Degraded,
		AlignmentFailures: m.AlignmentFailures,
		DroppedChunks:     m.DroppedChunks,
		Error:             m.Error,
	}
}
