package session

import (
	"encoding/xml"
	"strings"
)

// BuildSSML renders the synthesis markup for one utterance. The style is
// only embedded when expressive is true.
func BuildSSML(cfg SessionConfig, text, style string, expressive bool) string {
	var b strings.Builder
	b.WriteString(`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xmlns:mstts="https://www.w3.org/2001/mstts" xml:lang="`)
	b.WriteString(escape(orDefault(cfg.Language, "en-US")))
	b.WriteString(`">`)
	if cfg.Voice != "" {
		b.WriteString(`<voice name="` + escape(cfg.Voice) + `">`)
	}
	if expressive && style != "" {
		b.WriteString(`<mstts:express-as style="` + escape(style) + `">`)
	}
	b.WriteString(`<prosody rate="` + escape(orDefault(cfg.Rate, "+0%")) +
		`" pitch="` + escape(orDefault(cfg.Pitch, "+0%")) +
		`" volume="` + escape(orDefault(cfg.Volume, "+0%")) + `">`)
	b.WriteString(escape(text))
	b.WriteString(`</prosody>`)
	if expressive && style != "" {
		b.WriteString(`</mstts:express-as>`)
	}
	if cfg.Voice != "" {
		b.WriteString(`</voice>`)
	}
	b.WriteString(`</speak>`)
	return b.String()
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
