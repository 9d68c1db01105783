package dispatch

import (
	"testing"

	"wagate/internal/transport"
)

func TestBuildPayloads(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Content
		want []transport.Payload
	}{
		{
			name: "text only",
			in:   Content{Text: "  hello  "},
			want: []transport.Payload{{Kind: transport.PayloadText, Text: "hello"}},
		},
		{
			name: "image carries caption inline",
			in:   Content{Text: "cap", Media: &Media{Data: []byte{1}, MIME: "image/png"}},
			want: []transport.Payload{{Kind: transport.PayloadImage, Text: "cap", Data: []byte{1}, MIME: "image/png"}},
		},
		{
			name: "video derives file name from mime",
			in:   Content{Media: &Media{MIME: "video/mp4"}},
			want: []transport.Payload{{Kind: transport.PayloadVideo, MIME: "video/mp4", FileName: "video.mp4"}},
		},
		{
			name: "video keeps supplied file name",
			in:   Content{Media: &Media{MIME: "video/mp4", FileName: "clip.mp4"}},
			want: []transport.Payload{{Kind: transport.PayloadVideo, MIME: "video/mp4", FileName: "clip.mp4"}},
		},
		{
			name: "audio caption split into preceding text",
			in:   Content{Text: "cap", Media: &Media{MIME: "audio/mpeg"}},
			want: []transport.Payload{
				{Kind: transport.PayloadText, Text: "cap"},
				{Kind: transport.PayloadAudio, MIME: "audio/mpeg"},
			},
		},
		{
			name: "audio without caption",
			in:   Content{Media: &Media{MIME: "audio/ogg"}},
			want: []transport.Payload{{Kind: transport.PayloadAudio, MIME: "audio/ogg"}},
		},
		{
			name: "unknown mime falls back to document",
			in:   Content{Text: "cap", Media: &Media{MIME: "application/pdf"}},
			want: []transport.Payload{{Kind: transport.PayloadDocument, Text: "cap", MIME: "application/pdf", FileName: "file.pdf"}},
		},
		{
			name: "structured mime subtype is trimmed",
			in:   Content{Media: &Media{MIME: "application/ld+json"}},
			want: []transport.Payload{{Kind: transport.PayloadDocument, MIME: "application/ld+json", FileName: "file.ld"}},
		},
		{
			name: "missing subtype gets bin extension",
			in:   Content{Media: &Media{MIME: "stuff"}},
			want: []transport.Payload{{Kind: transport.PayloadDocument, MIME: "stuff", FileName: "file.bin"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildPayloads(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("payloads = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if !payloadEqual(got[i], tt.want[i]) {
					t.Fatalf("payload[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func payloadEqual(a, b transport.Payload) bool {
	if a.Kind != b.Kind || a.Text != b.Text || a.MIME != b.MIME || a.FileName != b.FileName {
		return false
	}
	return string(a.Data) == string(b.Data)
}

func TestMimeClass(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mime string
		want string
	}{
		{"image/png", "image"},
		{" VIDEO/MP4 ", "video"},
		{"audio/ogg; codecs=opus", "audio"},
		{"weird", "weird"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := mimeClass(tt.mime); got != tt.want {
			t.Errorf("mimeClass(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}
