package helpers

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/k3a/html2text"
)

// maxMultipartDepth bounds recursion into nested multipart bodies.
const maxMultipartDepth = 5

// MessageHeaders holds the header fields shown in a message list.
type MessageHeaders struct {
	MessageID string
	Subject   string
	From      string
	To        string
	Date      time.Time // zero when the Date header is missing or unparsable
}

// ReadHeader parses a raw RFC 5322 header block, as returned for
// BODY[HEADER].
func ReadHeader(raw []byte) (textproto.Header, error) {
	return textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
}

// ParseMessageHeaders extracts list fields from a raw header block. Encoded
// words are decoded; a header that cannot be decoded falls back to its raw
// value rather than failing the message.
func ParseMessageHeaders(raw []byte) (MessageHeaders, error) {
	th, err := ReadHeader(raw)
	if err != nil {
		return MessageHeaders{}, fmt.Errorf("%w: %v", errMalformedHeader, err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	var out MessageHeaders

	if subject, err := h.Subject(); err == nil {
		out.Subject = subject
	} else {
		out.Subject = h.Get("Subject")
	}
	out.Subject = SanitizeUTF8(CollapseWhitespace(out.Subject))

	out.From = addressHeader(h, "From")
	out.To = addressHeader(h, "To")

	if id, err := h.MessageID(); err == nil {
		out.MessageID = SanitizeUTF8(id)
	}
	if date, err := h.Date(); err == nil {
		out.Date = date.UTC()
	}
	return out, nil
}

var errMalformedHeader = errors.New("malformed header")

// IsMalformedHeader reports whether err came from an unreadable header block.
func IsMalformedHeader(err error) bool {
	return errors.Is(err, errMalformedHeader)
}

func addressHeader(h mail.Header, key string) string {
	if addrs, err := h.AddressList(key); err == nil && len(addrs) > 0 {
		return SanitizeUTF8(FormatAddressList(addrs))
	}
	if text, err := h.Text(key); err == nil {
		return SanitizeUTF8(CollapseWhitespace(text))
	}
	return SanitizeUTF8(CollapseWhitespace(h.Get(key)))
}

// ExtractPreview returns up to maxRunes of readable text from a message body.
// header is the message's top-level header block and body the (possibly
// truncated) BODY[TEXT] bytes. The first text/plain part wins; HTML is
// converted to text when no plain part is found.
func ExtractPreview(header, body []byte, maxRunes int) string {
	if maxRunes <= 0 || len(body) == 0 {
		return ""
	}
	th, err := ReadHeader(header)
	if err != nil {
		return ""
	}

	entity, err := message.New(message.Header{Header: th}, bytes.NewReader(body))
	if entity == nil {
		return ""
	}
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return ""
	}

	var plain, html string
	walkTextParts(entity, 0, &plain, &html)

	text := plain
	if text == "" && html != "" {
		text = html2text.HTML2Text(html)
	}
	return Truncate(SanitizeUTF8(CollapseWhitespace(text)), maxRunes)
}

// walkTextParts records the first text/plain and text/html bodies found.
// Truncated input is expected: partial reads are kept and errors end the walk.
func walkTextParts(e *message.Entity, depth int, plain, html *string) {
	if depth > maxMultipartDepth || (*plain != "" && *html != "") {
		return
	}

	mediaType, _, _ := e.Header.ContentType()
	if mediaType == "" {
		mediaType = "text/plain"
	}

	if mr := e.MultipartReader(); mr != nil {
		for *plain == "" {
			part, err := mr.NextPart()
			if part != nil {
				walkTextParts(part, depth+1, plain, html)
			}
			if err != nil {
				return
			}
		}
		return
	}

	if disposition, _, _ := e.Header.ContentDisposition(); disposition == "attachment" {
		return
	}

	switch {
	case mediaType == "text/plain" && *plain == "":
		*plain = readPartial(e.Body)
	case mediaType == "text/html" && *html == "":
		*html = readPartial(e.Body)
	}
}

func readPartial(r io.Reader) string {
	b, _ := io.ReadAll(r)
	return string(b)
}

// BuildMessage writes a multipart/mixed message with a single text/plain
// part, the layout used for mail sent through the gateway.
func BuildMessage(w io.Writer, from *mail.Address, to []*mail.Address, subject, body string, date time.Time, messageID string) error {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(subject)
	if messageID != "" {
		h.SetMessageID(messageID)
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("failed to create message writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("failed to create inline part: %w", err)
	}
	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := iw.CreatePart(th)
	if err != nil {
		return fmt.Errorf("failed to create text part: %w", err)
	}
	if _, err := io.WriteString(pw, strings.ReplaceAll(body, "\r\n", "\n")); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	if err := pw.Close(); err != nil {
		return err
	}
	if err := iw.Close(); err != nil {
		return err
	}
	return mw.Close()
}
