package mailutil

import (
	"encoding/base64"
	"io"
	"mime"
	"mime/quotedprintable"
	"strings"
)

// InboundBody holds the best-effort text and HTML extracted from an
// inbound-parse payload.
type InboundBody struct {
	Text string
	HTML string
}

// ExtractBody returns the message body from SendGrid-style inbound-parse
// form fields. The parsed `text`/`html` fields win; when both are absent it
// falls back to walking the raw MIME envelope in the `email` field.
func ExtractBody(text, html, rawMIME string) InboundBody {
	if text != "" || html != "" {
		return InboundBody{Text: text, HTML: html}
	}
	return extractFromRawMIME(rawMIME)
}

func extractFromRawMIME(raw string) InboundBody {
	if raw == "" {
		return InboundBody{}
	}

	headerBlock, body := splitHeadersBody(raw)
	headers := ParseRawHeaders(headerBlock)

	contentType := headers["content-type"]
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// No usable content type; treat the whole body as plain text.
		return InboundBody{Text: strings.TrimSpace(body)}
	}

	var out InboundBody
	if strings.HasPrefix(mediaType, "multipart/") {
		walkMultipart(body, params["boundary"], &out, 0)
		return out
	}

	decoded := decodeTransferEncoding(body, headers["content-transfer-encoding"])
	switch mediaType {
	case "text/html":
		out.HTML = strings.TrimSpace(decoded)
	default:
		out.Text = strings.TrimSpace(decoded)
	}
	return out
}

// walkMultipart scans the parts between MIME boundaries, recursing into
// nested multiparts (depth-capped against malformed input).
func walkMultipart(body, boundary string, out *InboundBody, depth int) {
	if boundary == "" || depth > 4 {
		return
	}

	for _, part := range strings.Split(body, "--"+boundary) {
		part = strings.TrimPrefix(part, "\r\n")
		part = strings.TrimPrefix(part, "\n")
		if part == "" || strings.HasPrefix(part, "--") {
			continue
		}

		headerBlock, partBody := splitHeadersBody(part)
		headers := ParseRawHeaders(headerBlock)
		mediaType, params, err := mime.ParseMediaType(headers["content-type"])
		if err != nil {
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			walkMultipart(partBody, params["boundary"], out, depth+1)
			continue
		}

		decoded := strings.TrimSpace(decodeTransferEncoding(partBody, headers["content-transfer-encoding"]))
		switch mediaType {
		case "text/plain":
			if out.Text == "" {
				out.Text = decoded
			}
		case "text/html":
			if out.HTML == "" {
				out.HTML = decoded
			}
		}
	}
}

func splitHeadersBody(s string) (headers, body string) {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if idx := strings.Index(s, sep); idx >= 0 {
			return s[:idx], s[idx+len(sep):]
		}
	}
	return s, ""
}

func decodeTransferEncoding(body, encoding string) string {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		compact := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, body)
		if decoded, err := base64.StdEncoding.DecodeString(compact); err == nil {
			return string(decoded)
		}
		return body
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(strings.NewReader(body)))
		if err != nil && len(decoded) == 0 {
			return body
		}
		return string(decoded)
	default:
		return body
	}
}
