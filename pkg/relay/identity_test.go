// Copyright 2024-2026 Aiku AI

package relay

import (
	"strings"
	"testing"
)

func TestExtractCorrespondentID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		text   string
		want   UserID
		wantOK bool
	}{
		{"header", "👤 From: Ann (ID: 555)", 555, true},
		{"no space", "ID:77", 77, true},
		{"tab", "ID:\t12", 12, true},
		{"multiline", "✉️ New message\n👤 From: Bob (ID: 9001)\n\nhello", 9001, true},
		{"first wins", "ID: 1\nID: 2", 1, true},
		{"skips zero", "ID: 0 then ID: 5", 5, true},
		{"skips overflow", "ID: 99999999999999999999 ID: 6", 6, true},
		{"int64 max", "ID: 9223372036854775807", 9223372036854775807, true},
		{"no marker", "just some text", 0, false},
		{"empty", "", 0, false},
		{"no digits", "ID: abc", 0, false},
		{"lowercase", "id: 555", 0, false},
		{"word boundary", "UUID: 555", 0, false},
		{"space before colon", "ID : 555", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ExtractCorrespondentID(tt.text)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ExtractCorrespondentID(%q) = (%d, %v), want (%d, %v)", tt.text, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFormatMarkerRoundTrip(t *testing.T) {
	t.Parallel()
	for _, id := range []UserID{1, 555, 123456789012} {
		got, ok := ExtractCorrespondentID("👤 From: X (" + FormatMarker(id) + ")")
		if !ok || got != id {
			t.Errorf("round trip of %d: got (%d, %v)", id, got, ok)
		}
	}
}

func TestForwardHeaderAlwaysHasMarker(t *testing.T) {
	t.Parallel()
	sender := Identity{ID: 555, DisplayName: "Ann"}

	msgs := DefaultMessages()
	header := msgs.forwardHeader(sender, Content{Text: "hi"})
	if id, ok := ExtractCorrespondentID(header); !ok || id != 555 {
		t.Errorf("default header %q resolves to (%d, %v)", header, id, ok)
	}

	msgs.ForwardHeader = nil
	header = msgs.forwardHeader(sender, Content{Text: "hi"})
	if id, ok := ExtractCorrespondentID(header); !ok || id != 555 {
		t.Errorf("fallback header %q resolves to (%d, %v)", header, id, ok)
	}
}

func TestForwardHeaderDefusesNames(t *testing.T) {
	t.Parallel()
	sender := Identity{ID: 555, DisplayName: "ID: 42", Handle: "ID:7"}
	msgs := DefaultMessages()
	header := msgs.forwardHeader(sender, Content{Text: "hi"})
	if id, ok := ExtractCorrespondentID(header); !ok || id != 555 {
		t.Errorf("header %q resolves to (%d, %v), want 555", header, id, ok)
	}
}

func TestForwardHeaderTemplateWithoutMarker(t *testing.T) {
	t.Parallel()
	msgs := DefaultMessages()
	msgs.ForwardHeader = mustTemplate(t, "New {{.Kind}} from {{.Name}}")
	header := msgs.forwardHeader(Identity{ID: 8, DisplayName: "Cy"}, Content{Media: &Media{Kind: MediaPhoto, Ref: "f"}})
	if !strings.HasPrefix(header, "New photo from Cy") {
		t.Errorf("header = %q", header)
	}
	if id, ok := ExtractCorrespondentID(header); !ok || id != 8 {
		t.Errorf("header %q resolves to (%d, %v), want 8", header, id, ok)
	}
}

// FuzzExtractCorrespondentID checks that extraction never panics and that
// any marker appended to arbitrary marker-free text is found.
func FuzzExtractCorrespondentID(f *testing.F) {
	f.Add("👤 From: Ann (ID: 555)", int64(555))
	f.Add("", int64(1))
	f.Add("ID:", int64(42))
	f.Add(string([]byte{0x00, 0xff}), int64(9223372036854775807))
	f.Add("ID: 99999999999999999999", int64(3))

	f.Fuzz(func(t *testing.T, text string, raw int64) {
		got, ok := ExtractCorrespondentID(text)
		if ok && got <= 0 {
			t.Fatalf("ExtractCorrespondentID(%q) returned non-positive %d", text, got)
		}
		if raw <= 0 {
			return
		}
		if _, found := ExtractCorrespondentID(text); found {
			return
		}
		id := UserID(raw)
		got, ok = ExtractCorrespondentID(text + "\n" + FormatMarker(id))
		if !ok || got != id {
			t.Errorf("marker %d appended to %q resolved to (%d, %v)", id, text, got, ok)
		}
	})
}
