package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"pipemedic/internal/models"
)

// RecordEvent appends an entry to the session's event log. The payload is
// stored as JSON; events are append-only, so earlier analysis results and
// quality snapshots survive later ones.
func RecordEvent(db *gorm.DB, sessionID, eventType string, payload interface{}) (*models.SessionEvent, error) {
	if eventType == "" {
		return nil, fmt.Errorf("session: event type is required")
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("session: marshal %s event: %w", eventType, err)
	}

	event := models.SessionEvent{
		SessionID: sessionID,
		EventType: eventType,
		Payload:   string(data),
	}
	if err := db.Create(&event).Error; err != nil {
		return nil, fmt.Errorf("session: record %s event: %w", eventType, err)
	}
	return &event, nil
}

// Events returns the session's event log in recording order.
func Events(db *gorm.DB, sessionID string) ([]models.SessionEvent, error) {
	var events []models.SessionEvent
	if err := db.Where("session_id = ?", sessionID).
		Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("session: events for %s: %w", sessionID, err)
	}
	return events, nil
}

// LatestEvent returns the most recent event of the given type, or nil
// when the session has recorded none.
func LatestEvent(db *gorm.DB, sessionID, eventType string) (*models.SessionEvent, error) {
	var event models.SessionEvent
	err := db.Where("session_id = ? AND event_type = ?", sessionID, eventType).
		Order("id DESC").First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: latest %s event for %s: %w", eventType, sessionID, err)
	}
	return &event, nil
}
