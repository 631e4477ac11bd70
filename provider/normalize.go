package provider

// Normalized response shapes shared by all adapters. Fields with no semantic
// analog at a given provider are omitted, never defaulted; the raw payload
// is preserved for power users.

// Address is an email participant.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// MessageBody carries the text and HTML renderings of a message.
type MessageBody struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// Attachment describes one message attachment.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// NormalizedMessage is the common shape for mail items.
type NormalizedMessage struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"threadId,omitempty"`
	Provider    string       `json:"provider"`
	Subject     string       `json:"subject"`
	Snippet     string       `json:"snippet,omitempty"`
	Body        *MessageBody `json:"body,omitempty"`
	From        Address      `json:"from"`
	To          []Address    `json:"to"`
	Cc          []Address    `json:"cc,omitempty"`
	Timestamp   string       `json:"timestamp"` // RFC 3339
	IsRead      bool         `json:"isRead"`
	Labels      []string     `json:"labels"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Raw         any          `json:"raw,omitempty"`
}

// EventTime is a calendar boundary, either a zoned instant or an all-day
// date.
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"` // RFC 3339
	Date     string `json:"date,omitempty"`     // YYYY-MM-DD
	TimeZone string `json:"timeZone,omitempty"`
}

// Attendee is a calendar event participant.
type Attendee struct {
	Email          string `json:"email"`
	Name           string `json:"name,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

// NormalizedEvent is the common shape for calendar items.
type NormalizedEvent struct {
	ID          string     `json:"id"`
	Provider    string     `json:"provider"`
	CalendarID  string     `json:"calendarId"`
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       EventTime  `json:"start"`
	End         EventTime  `json:"end"`
	Attendees   []Attendee `json:"attendees"`
	Organizer   *Attendee  `json:"organizer,omitempty"`
	Status      string     `json:"status"` // confirmed, tentative or cancelled
	HTMLLink    string     `json:"htmlLink,omitempty"`
	Raw         any        `json:"raw,omitempty"`
}

// Page wraps a paginated result set.
type Page[T any] struct {
	Items              []T    `json:"items"`
	NextPageToken      string `json:"nextPageToken,omitempty"`
	ResultSizeEstimate int64  `json:"resultSizeEstimate,omitempty"`
}
