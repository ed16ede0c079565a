// Package mimeparse turns verbatim RFC 5322 message bytes into a
// ports.RawMessage: decoded headers, extracted body text/HTML/ICS, and
// attachment descriptors. Shared by every mailbox adapter that deals in
// raw MIME (imap, file) so header decoding and multipart walking is
// written once.
package mimeparse

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/kapella-hub/ngs-worker/internal/domain"
	"github.com/kapella-hub/ngs-worker/internal/ports"
)

var headerDecoder = &mime.WordDecoder{}

// DecodeHeader decodes RFC 2047 encoded-words ("=?UTF-8?B?...?="), falling
// back to the raw value on any decode error the same way the original's
// _decode_header swallows exceptions and returns the input unchanged.
func DecodeHeader(value string) string {
	if value == "" {
		return ""
	}
	decoded, err := headerDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// RawMessage turns the verbatim bytes of one message into a
// ports.RawMessage: decoded headers, extracted body text/HTML/ICS, and
// attachment descriptors — the Go equivalent of the original's
// _store_raw_email header extraction plus _extract_body.
func RawMessage(folder string, uid int64, raw []byte) (ports.RawMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return ports.RawMessage{}, err
	}

	headers := make(map[string]string, len(msg.Header))
	for k := range msg.Header {
		headers[k] = DecodeHeader(msg.Header.Get(k))
	}

	var dateHeader *time.Time
	if d := msg.Header.Get("Date"); d != "" {
		if t, err := mail.ParseDate(d); err == nil {
			dateHeader = &t
		}
	}

	out := ports.RawMessage{
		Folder:      folder,
		UID:         uid,
		MessageID:   strings.Trim(msg.Header.Get("Message-Id"), "<>"),
		Subject:     DecodeHeader(msg.Header.Get("Subject")),
		FromAddress: DecodeHeader(msg.Header.Get("From")),
		ToAddresses: DecodeAddressList(msg.Header.Get("To")),
		CcAddresses: DecodeAddressList(msg.Header.Get("Cc")),
		DateHeader:  dateHeader,
		Headers:     headers,
		RawMIME:     raw,
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// No parseable Content-Type: treat the body as plain text, matching
		// the original's non-multipart fallback branch.
		body, _ := decodePart(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		out.BodyText = string(body)
		return out, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		walkMultipart(msg.Body, params["boundary"], &out)
	} else if mediaType == "text/calendar" {
		body, _ := decodePart(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		out.ICSContent = string(body)
	} else {
		body, _ := decodePart(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		if mediaType == "text/html" {
			out.BodyHTML = string(body)
		} else {
			out.BodyText = string(body)
		}
	}

	return out, nil
}

// walkMultipart recursively visits every leaf part, matching the
// original's msg.walk() traversal over nested multipart/alternative and
// multipart/mixed structures.
func walkMultipart(body io.Reader, boundary string, out *ports.RawMessage) {
	if boundary == "" {
		return
	}
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			return
		}

		contentType := part.Header.Get("Content-Type")
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			walkMultipart(part, params["boundary"], out)
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		_, dispParams, _ := mime.ParseMediaType(disposition)
		filename := dispParams["filename"]
		if filename == "" {
			filename = params["name"]
		}

		payload, _ := decodePart(part, part.Header.Get("Content-Transfer-Encoding"))

		if strings.Contains(disposition, "attachment") {
			out.Attachments = append(out.Attachments, domain.AttachmentDescriptor{
				Filename:    filename,
				ContentType: mediaType,
				Size:        len(payload),
			})
			if mediaType == "text/calendar" || strings.HasSuffix(strings.ToLower(filename), ".ics") {
				out.ICSContent = string(payload)
			}
			continue
		}

		switch mediaType {
		case "text/plain":
			if out.BodyText == "" {
				out.BodyText = string(payload)
			}
		case "text/html":
			if out.BodyHTML == "" {
				out.BodyHTML = string(payload)
			}
		case "text/calendar":
			out.ICSContent = string(payload)
		}
	}
}

// decodePart applies the part's Content-Transfer-Encoding, mirroring the
// original's payload.decode(decode=True) which applies base64/
// quoted-printable transparently.
func decodePart(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, r))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

// DecodeAddressList parses a To/Cc header into bare addresses, falling
// back to the decoded raw header as a single entry on a parse error.
func DecodeAddressList(header string) []string {
	if header == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(header)
	if err != nil {
		return []string{DecodeHeader(header)}
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}
