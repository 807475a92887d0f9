package journal

import "time"

// Entry is one delivered inbound message.
type Entry struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	Epoch      uint64    `gorm:"index"`
	Kind       string    `gorm:"size:32;index"`
	KindRaw    string    `gorm:"size:64"`
	MessageID  string    `gorm:"size:64"`
	Raw        string    `gorm:"type:text"`
	Malformed  bool      `gorm:"not null;default:false"`
	ReceivedAt time.Time `gorm:"index"`
}

func (Entry) TableName() string {
	return "ws_messages"
}

// Transition is one connection state change or client error.
type Transition struct {
	ID     uint64    `gorm:"primaryKey;autoIncrement"`
	State  string    `gorm:"size:16;index"`
	Detail string    `gorm:"size:512"`
	At     time.Time `gorm:"index"`
}

func (Transition) TableName() string {
	return "ws_transitions"
}

// stateError marks a Transition that records an OnError callback.
const stateError = "error"
