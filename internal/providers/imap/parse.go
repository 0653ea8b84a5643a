package imap

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"github.com/Martian-dev/mail-archiver/internal/mime"
)

// parsedMessage is a raw RFC 5322 message turned into a part tree.
// Attachment payloads are kept aside, keyed by their handle.
type parsedMessage struct {
	root        *mime.Part
	attachments map[string][]byte
}

// parseMessage builds the part tree of a raw message. Inline parts carry
// their decoded payload base64url encoded; parts with a filename carry a
// handle (their IMAP section path, e.g. "2.1") instead.
func parseMessage(raw []byte) (*parsedMessage, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	pm := &parsedMessage{attachments: make(map[string][]byte)}
	root, err := pm.build(entity, "")
	if err != nil {
		return nil, err
	}
	pm.root = root
	return pm, nil
}

func (pm *parsedMessage) build(e *message.Entity, path string) (*mime.Part, error) {
	mediaType, params, _ := e.Header.ContentType()
	if mediaType == "" {
		mediaType = "text/plain"
	}

	part := &mime.Part{PartID: path, MimeType: mediaType}
	fields := e.Header.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		part.Headers = append(part.Headers, mime.Header{Name: fields.Key(), Value: value})
	}

	if mr := e.MultipartReader(); mr != nil {
		for i := 1; ; i++ {
			child, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !tolerable(err) {
				return nil, fmt.Errorf("reading part %s: %w", childPath(path, i), err)
			}
			if child == nil {
				break
			}
			c, err := pm.build(child, childPath(path, i))
			if err != nil {
				return nil, err
			}
			part.Parts = append(part.Parts, c)
		}
		return part, nil
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("reading part %s body: %w", displayPath(path), err)
	}
	part.Body.Size = int64(len(body))
	part.Filename = filename(e, params)

	if part.Filename != "" {
		handle := displayPath(path)
		part.Body.AttachmentID = handle
		pm.attachments[handle] = body
		return part, nil
	}
	part.Body.Data = mime.EncodeData(body)
	return part, nil
}

func filename(e *message.Entity, ctParams map[string]string) string {
	if _, params, err := e.Header.ContentDisposition(); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	return ctParams["name"]
}

// childPath numbers sub-parts from 1, as IMAP section paths do.
func childPath(parent string, i int) string {
	if parent == "" {
		return strconv.Itoa(i)
	}
	return parent + "." + strconv.Itoa(i)
}

// displayPath maps the root of a single-part message to section "1".
func displayPath(path string) string {
	if path == "" {
		return "1"
	}
	return path
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// threadID derives a conversation id from the threading headers: the root
// of References, else In-Reply-To, else the message's own Message-Id.
func threadID(root *mime.Part, fallback string) string {
	var refs, inReplyTo, msgID string
	for _, h := range root.Headers {
		switch strings.ToLower(h.Name) {
		case "references":
			refs = h.Value
		case "in-reply-to":
			inReplyTo = h.Value
		case "message-id":
			msgID = h.Value
		}
	}
	if f := strings.Fields(refs); len(f) > 0 {
		return f[0]
	}
	if v := strings.TrimSpace(inReplyTo); v != "" {
		return v
	}
	if v := strings.TrimSpace(msgID); v != "" {
		return v
	}
	return fallback
}
