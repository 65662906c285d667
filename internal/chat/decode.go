package chat

import (
	"bufio"
	"io"
	"strings"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

const (
	textPrefix    = `0:`
	maxLineLength = 1 << 20
)

// DecodeLine parses one stream line. Text lines look like 0:"<escaped>"
// and yield their unescaped fragment with ok set. Lines with any other
// prefix carry metadata and are skipped.
func DecodeLine(line string) (fragment string, ok bool, err error) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, textPrefix) {
		return "", false, nil
	}
	body := line[len(textPrefix):]
	if len(body) < 2 || body[0] != '"' || body[len(body)-1] != '"' {
		return "", false, apperrors.Newf(apperrors.KindProtocol, "unquoted text fragment %q", truncate(line))
	}
	s, err := unescape(body[1 : len(body)-1])
	if err != nil {
		return "", false, apperrors.Wrapf(err, apperrors.KindProtocol, "bad escape in %q", truncate(line))
	}
	return s, true, nil
}

func unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') && !strings.ContainsRune(s, '"') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' {
			return "", apperrors.New(apperrors.KindProtocol, "unescaped quote")
		}
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(s) {
			return "", apperrors.New(apperrors.KindProtocol, "dangling backslash")
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case '"':
			b.WriteByte('"')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		default:
			return "", apperrors.Newf(apperrors.KindProtocol, "unknown escape \\%c", s[i])
		}
	}
	return b.String(), nil
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}

// Decoder reads a streamed reply line by line.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineLength)
	return &Decoder{sc: sc}
}

// Decode feeds every text fragment to onDelta and returns the full reply.
// Malformed lines go to onError and decoding continues; only read errors
// abort.
func (d *Decoder) Decode(onDelta func(string), onError func(error)) (string, error) {
	var reply strings.Builder
	for d.sc.Scan() {
		frag, ok, err := DecodeLine(d.sc.Text())
		if err != nil {
			if onError != nil {
				onError(err)
			}
			continue
		}
		if !ok || frag == "" {
			continue
		}
		reply.WriteString(frag)
		if onDelta != nil {
			onDelta(frag)
		}
	}
	return reply.String(), d.sc.Err()
}
