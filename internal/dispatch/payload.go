package dispatch

import (
	"strings"

	"wagate/internal/transport"
)

// buildPayloads shapes the content into the transport payload sequence for
// one recipient.
//
// Audio is special: the transport has no audio captions, so a supplied
// caption goes out first as a standalone text message.
func buildPayloads(c Content) []transport.Payload {
	text := strings.TrimSpace(c.Text)
	if c.Media == nil {
		return []transport.Payload{{Kind: transport.PayloadText, Text: text}}
	}

	m := c.Media
	switch mimeClass(m.MIME) {
	case "image":
		return []transport.Payload{{
			Kind: transport.PayloadImage,
			Text: text,
			Data: m.Data,
			MIME: m.MIME,
		}}
	case "video":
		return []transport.Payload{{
			Kind:     transport.PayloadVideo,
			Text:     text,
			Data:     m.Data,
			MIME:     m.MIME,
			FileName: fileNameFor(m, "video"),
		}}
	case "audio":
		var out []transport.Payload
		if text != "" {
			out = append(out, transport.Payload{Kind: transport.PayloadText, Text: text})
		}
		return append(out, transport.Payload{
			Kind: transport.PayloadAudio,
			Data: m.Data,
			MIME: m.MIME,
		})
	default:
		return []transport.Payload{{
			Kind:     transport.PayloadDocument,
			Text:     text,
			Data:     m.Data,
			MIME:     m.MIME,
			FileName: fileNameFor(m, "file"),
		}}
	}
}

func mimeClass(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, '/'); i > 0 {
		return mime[:i]
	}
	return mime
}

// fileNameFor keeps a caller-supplied name, otherwise derives one from the
// MIME subtype (video/mp4 -> video.mp4).
func fileNameFor(m *Media, base string) string {
	if name := strings.TrimSpace(m.FileName); name != "" {
		return name
	}
	ext := "bin"
	mime := strings.ToLower(strings.TrimSpace(m.MIME))
	if i := strings.IndexByte(mime, '/'); i > 0 && i+1 < len(mime) {
		sub := mime[i+1:]
		// Strip structured-suffix noise like "vnd.openxml...; codecs=...".
		if j := strings.IndexAny(sub, ";+ "); j > 0 {
			sub = sub[:j]
		}
		if sub != "" {
			ext = sub
		}
	}
	return base + "." + ext
}
