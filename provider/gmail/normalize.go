package gmail

import (
	"encoding/base64"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/linklabs/linkbroker/provider"
)

// gmailMessage is the wire shape of users.messages.get with format=full.
type gmailMessage struct {
	ID           string        `json:"id"`
	ThreadID     string        `json:"threadId"`
	Snippet      string        `json:"snippet"`
	LabelIDs     []string      `json:"labelIds"`
	InternalDate string        `json:"internalDate"` // epoch millis as string
	Payload      *gmailPayload `json:"payload"`
}

type gmailPayload struct {
	MimeType string         `json:"mimeType"`
	Headers  []gmailHeader  `json:"headers"`
	Body     *gmailBody     `json:"body"`
	Parts    []gmailPayload `json:"parts"`
	Filename string         `json:"filename"`
}

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailBody struct {
	Data         string `json:"data"` // base64url
	Size         int64  `json:"size"`
	AttachmentID string `json:"attachmentId"`
}

// normalizeMessage maps a Gmail message into the common schema, keeping the
// untranslated payload in Raw.
func normalizeMessage(msg *gmailMessage) *provider.NormalizedMessage {
	out := &provider.NormalizedMessage{
		ID:       msg.ID,
		ThreadID: msg.ThreadID,
		Provider: "gmail",
		Snippet:  msg.Snippet,
		Labels:   msg.LabelIDs,
		IsRead:   !containsLabel(msg.LabelIDs, "UNREAD"),
		Raw:      msg,
	}
	if out.Labels == nil {
		out.Labels = []string{}
	}

	if msg.InternalDate != "" {
		if millis, err := strconv.ParseInt(msg.InternalDate, 10, 64); err == nil {
			out.Timestamp = time.UnixMilli(millis).UTC().Format(time.RFC3339)
		}
	}

	if msg.Payload == nil {
		return out
	}

	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			out.Subject = h.Value
		case "from":
			out.From = parseAddress(h.Value)
		case "to":
			out.To = parseAddressList(h.Value)
		case "cc":
			out.Cc = parseAddressList(h.Value)
		case "date":
			if out.Timestamp == "" {
				if t, err := mail.ParseDate(h.Value); err == nil {
					out.Timestamp = t.UTC().Format(time.RFC3339)
				}
			}
		}
	}
	if out.To == nil {
		out.To = []provider.Address{}
	}

	body := &provider.MessageBody{}
	collectBody(msg.Payload, body, &out.Attachments)
	if body.Text != "" || body.HTML != "" {
		out.Body = body
	}
	return out
}

// collectBody walks the MIME tree, picking up text and HTML parts and
// attachment descriptors.
func collectBody(p *gmailPayload, body *provider.MessageBody, attachments *[]provider.Attachment) {
	if p == nil {
		return
	}

	if p.Body != nil && p.Body.AttachmentID != "" {
		*attachments = append(*attachments, provider.Attachment{
			ID:       p.Body.AttachmentID,
			Filename: p.Filename,
			MimeType: p.MimeType,
			Size:     p.Body.Size,
		})
	} else if p.Body != nil && p.Body.Data != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(p.Body.Data, "="))
		if err == nil {
			switch p.MimeType {
			case "text/plain":
				if body.Text == "" {
					body.Text = string(decoded)
				}
			case "text/html":
				if body.HTML == "" {
					body.HTML = string(decoded)
				}
			}
		}
	}

	for i := range p.Parts {
		collectBody(&p.Parts[i], body, attachments)
	}
}

func parseAddress(value string) provider.Address {
	if addr, err := mail.ParseAddress(value); err == nil {
		return provider.Address{Email: addr.Address, Name: addr.Name}
	}
	return provider.Address{Email: value}
}

func parseAddressList(value string) []provider.Address {
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return []provider.Address{{Email: value}}
	}
	out := make([]provider.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, provider.Address{Email: a.Address, Name: a.Name})
	}
	return out
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
