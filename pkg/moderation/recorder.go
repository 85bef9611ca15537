package moderation

import "time"

// Recorder shapes violation audit records.
type Recorder struct {
	now func() time.Time
}

// NewRecorder creates a recorder stamping records with the current UTC time.
func NewRecorder() *Recorder {
	return &Recorder{now: func() time.Time { return time.Now().UTC() }}
}

// Record builds the audit entry for a violation. The timestamp is captured here.
func (r *Recorder) Record(chatID, userID int64, username, text string, kind ViolationKind, action ActionType) ViolationRecord {
	return ViolationRecord{
		ChatID:      chatID,
		UserID:      userID,
		Username:    username,
		MessageText: text,
		Kind:        kind,
		Timestamp:   r.now(),
		ActionTaken: action,
	}
}
