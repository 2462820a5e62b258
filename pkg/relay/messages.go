// Copyright 2024-2026 Aiku AI

package relay

import (
	"strings"
	"text/template"
)

// ForwardParams holds the parameters for rendering the forward header template.
type ForwardParams struct {
	ID     UserID
	Name   string
	Handle string
	Kind   string
	Marker string
}

// FailureParams holds the parameters for rendering the delivery failure notice.
type FailureParams struct {
	CorrespondentID UserID
	Error           string
}

// Messages holds the texts the relay posts on its own behalf.
type Messages struct {
	ForwardHeader  *template.Template
	ReplyHeader    string
	NotFound       string
	DeliveryFailed *template.Template
	Welcome        string
}

const (
	DefaultForwardHeader  = "👤 From: {{.Name}} ({{.Marker}})"
	DefaultReplyHeader    = "💬 Reply from the team:"
	DefaultNotFound       = "⚠️ Could not find the correspondent for this message."
	DefaultDeliveryFailed = "⚠️ Could not deliver the reply to correspondent {{.CorrespondentID}}\n{{.Error}}"
)

// DefaultMessages returns the built-in texts.
func DefaultMessages() Messages {
	return Messages{
		ForwardHeader:  template.Must(template.New("forward_header").Parse(DefaultForwardHeader)),
		ReplyHeader:    DefaultReplyHeader,
		NotFound:       DefaultNotFound,
		DeliveryFailed: template.Must(template.New("delivery_failed").Parse(DefaultDeliveryFailed)),
	}
}

// forwardHeader renders the header of a forwarded message. The result always
// contains the identity marker of the sender.
func (m *Messages) forwardHeader(sender Identity, content Content) string {
	marker := FormatMarker(sender.ID)
	params := ForwardParams{
		ID:     sender.ID,
		Name:   defuseMarkers(sender.Name()),
		Handle: defuseMarkers(sender.Handle),
		Kind:   "text",
		Marker: marker,
	}
	if content.Media != nil {
		params.Kind = string(content.Media.Kind)
	}
	var header string
	if m.ForwardHeader != nil {
		var buf strings.Builder
		if err := m.ForwardHeader.Execute(&buf, params); err == nil {
			header = buf.String()
		}
	}
	if header == "" {
		header = "👤 From: " + params.Name + " (" + marker + ")"
	}
	switch id, ok := ExtractCorrespondentID(header); {
	case !ok:
		header += "\n" + marker
	case id != sender.ID:
		header = marker + "\n" + header
	}
	return header
}

// defuseMarkers keeps user-controlled names from looking like an identity marker.
func defuseMarkers(s string) string {
	return strings.ReplaceAll(s, "ID:", "ID :")
}

func (m *Messages) deliveryFailed(correspondent UserID, err error) string {
	params := FailureParams{CorrespondentID: correspondent, Error: err.Error()}
	if m.DeliveryFailed != nil {
		var buf strings.Builder
		if execErr := m.DeliveryFailed.Execute(&buf, params); execErr == nil {
			return buf.String()
		}
	}
	var buf strings.Builder
	_ = template.Must(template.New("").Parse(DefaultDeliveryFailed)).Execute(&buf, params)
	return buf.String()
}

// joinBlocks joins a header and a body with a blank line, skipping empty parts.
func joinBlocks(header, body string) string {
	switch {
	case header == "":
		return body
	case body == "":
		return header
	default:
		return header + "\n\n" + body
	}
}
