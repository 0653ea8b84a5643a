package mime

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Header is a single raw header as delivered by the remote mailbox.
type Header struct {
	Name  string
	Value string
}

// PartBody carries either an inline payload or a handle to fetch it separately.
type PartBody struct {
	AttachmentID string // opaque handle, empty when the payload is inline
	Size         int64  // upstream-reported size in bytes, 0 when unknown
	Data         string // base64url payload, empty when not inlined
}

// Part is one node of a parsed message tree.
type Part struct {
	PartID   string
	MimeType string
	Filename string
	Headers  []Header
	Body     PartBody
	Parts    []*Part
}

// IsContainer reports whether the part only groups other parts.
func (p *Part) IsContainer() bool {
	return len(p.Parts) > 0
}

// Leaf is a payload-bearing part together with its position in the tree.
type Leaf struct {
	Part *Part
	Path []int // child indexes from the root; empty for a single-part message
}

// Candidate is a leaf eligible for attachment offloading.
type Candidate struct {
	Name         string
	MimeType     string
	AttachmentID string
	Size         int64
	Path         []int
}

// Extraction is everything the archive needs from a message tree.
type Extraction struct {
	Leaves     []Leaf
	Body       string
	BodyType   string // "text/plain", "text/html" or "" when no body part exists
	Candidates []Candidate
}

// Flatten walks the tree depth-first and returns its leaves in tree order.
func Flatten(root *Part) []Leaf {
	if root == nil {
		return nil
	}
	var leaves []Leaf
	var walk func(p *Part, path []int)
	walk = func(p *Part, path []int) {
		if p == nil {
			return
		}
		if !p.IsContainer() {
			leaves = append(leaves, Leaf{Part: p, Path: path})
			return
		}
		for i, child := range p.Parts {
			childPath := make([]int, len(path)+1)
			copy(childPath, path)
			childPath[len(path)] = i
			walk(child, childPath)
		}
	}
	walk(root, []int{})
	return leaves
}

// Extract selects the body text and the attachment candidates of a message tree.
//
// The first text/plain leaf wins; without one the first text/html leaf is
// used. This is not multipart/alternative negotiation: tree order breaks ties.
func Extract(root *Part) Extraction {
	leaves := Flatten(root)
	out := Extraction{Leaves: leaves}

	if body := firstOfType(leaves, "text/plain"); body != nil {
		out.BodyType = "text/plain"
		out.Body = decodeBody(body)
	} else if body := firstOfType(leaves, "text/html"); body != nil {
		out.BodyType = "text/html"
		out.Body = decodeBody(body)
	}

	for _, leaf := range leaves {
		p := leaf.Part
		if p.Filename == "" || p.Body.AttachmentID == "" {
			continue
		}
		size := p.Body.Size
		if size < 0 {
			size = 0
		}
		out.Candidates = append(out.Candidates, Candidate{
			Name:         p.Filename,
			MimeType:     p.MimeType,
			AttachmentID: p.Body.AttachmentID,
			Size:         size,
			Path:         leaf.Path,
		})
	}
	return out
}

// DecodeData decodes a base64url payload. Padding is optional and the
// standard alphabet is accepted as well, since upstreams are not consistent.
func DecodeData(s string) ([]byte, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(s), "=")
	if trimmed == "" {
		return []byte{}, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	return b, nil
}

// EncodeData is the inverse of DecodeData, used by adapters that build
// message trees from raw MIME.
func EncodeData(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// MatchType compares MIME types ignoring case and parameters.
func MatchType(mimeType, want string) bool {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.EqualFold(strings.TrimSpace(mimeType), want)
}

func firstOfType(leaves []Leaf, want string) *Part {
	for _, leaf := range leaves {
		if MatchType(leaf.Part.MimeType, want) {
			return leaf.Part
		}
	}
	return nil
}

// decodeBody never fails: an undecodable body is archived as empty text.
func decodeBody(p *Part) string {
	if p.Body.Data == "" {
		return ""
	}
	b, err := DecodeData(p.Body.Data)
	if err != nil {
		return ""
	}
	return string(b)
}
