package calls

import (
	"path/filepath"
	"strconv"
	"time"
)

// CallRecord is one row of the CDR table describing a completed call.
//
// It only lives for the duration of one monitor iteration. The row's presence
// in the store is the sole signal that the call has not been reported yet.
//
// Optional text columns use the empty string for "absent".
type CallRecord struct {
	UniqueID    string `json:"uniqueid" db:"uniqueid"`
	Source      string `json:"src" db:"src"`
	Destination string `json:"dst" db:"dst"`

	// CallDate marks call start and drives the recording subpath.
	CallDate time.Time `json:"calldate" db:"calldate"`

	DurationSeconds int `json:"duration" db:"duration"`
	// AnsweredSeconds is nil when the call was never answered or the column is missing.
	AnsweredSeconds *int `json:"billsec,omitempty" db:"billsec"`

	Disposition        string `json:"disposition,omitempty" db:"disposition"`
	HangupCause        string `json:"hangupcause,omitempty" db:"hangupcause"`
	Channel            string `json:"channel,omitempty" db:"channel"`
	DestinationChannel string `json:"dstchannel,omitempty" db:"dstchannel"`
	LastApplication    string `json:"lastapp,omitempty" db:"lastapp"`

	RecordingFile string `json:"recordingfile,omitempty" db:"recordingfile"`
}

// HasRecording reports whether the switch wrote a recording for this call.
func (r CallRecord) HasRecording() bool {
	return r.RecordingFile != ""
}

// RecordingPath returns <root>/YYYY/MM/DD/<recordingfile>, or "" when the
// call has no recording.
func (r CallRecord) RecordingPath(root string) string {
	if !r.HasRecording() {
		return ""
	}
	return filepath.Join(
		root,
		r.CallDate.Format("2006"),
		r.CallDate.Format("01"),
		r.CallDate.Format("02"),
		r.RecordingFile,
	)
}

// Placeholder is rendered for any field whose source value is absent.
const Placeholder = "N/A"

// StartTimeLayout matches how the CDR backend prints calldate.
const StartTimeLayout = "2006-01-02 15:04:05"

// Field is one named, display-only value of a NotificationEvent.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// NotificationEvent is the read-only projection of a CallRecord that gets
// shown to operators. Field order is fixed; Unique ID is always last.
type NotificationEvent struct {
	UniqueID string
	Fields   []Field
}

func NewNotificationEvent(r CallRecord) NotificationEvent {
	startTime := Placeholder
	if !r.CallDate.IsZero() {
		startTime = r.CallDate.Format(StartTimeLayout)
	}
	answered := Placeholder
	if r.AnsweredSeconds != nil {
		answered = seconds(*r.AnsweredSeconds)
	}

	return NotificationEvent{
		UniqueID: r.UniqueID,
		Fields: []Field{
			{Name: "Caller", Value: orPlaceholder(r.Source), Inline: true},
			{Name: "Callee", Value: orPlaceholder(r.Destination), Inline: true},
			{Name: "Start Time", Value: startTime, Inline: true},
			{Name: "Duration", Value: seconds(r.DurationSeconds), Inline: true},
			{Name: "Answered Duration", Value: answered, Inline: true},
			{Name: "Disposition", Value: orPlaceholder(r.Disposition), Inline: true},
			{Name: "Hangup Cause", Value: orPlaceholder(r.HangupCause), Inline: true},
			{Name: "Channel", Value: orPlaceholder(r.Channel), Inline: true},
			{Name: "Destination Channel", Value: orPlaceholder(r.DestinationChannel), Inline: true},
			{Name: "Call Type", Value: orPlaceholder(r.LastApplication), Inline: true},
			{Name: "Unique ID", Value: orPlaceholder(r.UniqueID), Inline: false},
		},
	}
}

// Value returns the rendered value of the named field.
func (e NotificationEvent) Value(name string) (string, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func seconds(n int) string {
	return strconv.Itoa(n) + " seconds"
}

func orPlaceholder(s string) string {
	if s == "" {
		return Placeholder
	}
	return s
}
