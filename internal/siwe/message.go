// Package siwe encodes and decodes EIP-4361 sign-in messages.
//
// The decoder is strict: fields appear in a fixed order, optional fields are
// either fully present or absent, and any unrecognized or malformed line makes
// the whole message invalid. Decode is the exact left inverse of Encode.
package siwe

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/layer-3/notary/core"
)

// Version is the only message version defined by EIP-4361
const Version = "1"

const (
	headerSuffix = " wants you to sign in with your Ethereum account:"

	tagURI            = "URI: "
	tagVersion        = "Version: "
	tagChainID        = "Chain ID: "
	tagNonce          = "Nonce: "
	tagIssuedAt       = "Issued At: "
	tagExpirationTime = "Expiration Time: "
	tagNotBefore      = "Not Before: "
	tagRequestID      = "Request ID: "
	tagResources      = "Resources:"
	resourcePrefix    = "- "
)

// Message is a structured sign-in challenge. Timestamps are written and read
// back in UTC, so a decoded message carries the same instants as the encoded
// one but always in UTC.
type Message struct {
	Domain         string
	Address        string
	Statement      string
	URI            string
	Version        string
	ChainID        int64
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime *time.Time
	NotBefore      *time.Time
	RequestID      string
	Resources      []string
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrMalformedChallenge, fmt.Sprintf(format, args...))
}

// Validate checks that every mandatory field is present and every field can
// be represented on a single line.
func (m *Message) Validate() error {
	switch {
	case m.Domain == "":
		return malformed("missing domain")
	case !common.IsHexAddress(m.Address) || !strings.HasPrefix(m.Address, "0x"):
		return malformed("invalid address %q", m.Address)
	case m.URI == "":
		return malformed("missing uri")
	case m.Version != Version:
		return malformed("unsupported version %q", m.Version)
	case m.ChainID <= 0:
		return malformed("invalid chain id %d", m.ChainID)
	case len(m.Nonce) < 8 || !isAlphanumeric(m.Nonce):
		return malformed("invalid nonce")
	case m.IssuedAt.IsZero():
		return malformed("missing issued at")
	}
	if strings.Contains(m.Domain, " ") {
		return malformed("domain contains whitespace")
	}
	for name, v := range map[string]string{
		"domain": m.Domain, "statement": m.Statement, "uri": m.URI, "request id": m.RequestID,
	} {
		if strings.ContainsAny(v, "\r\n") {
			return malformed("%s spans multiple lines", name)
		}
	}
	for _, r := range m.Resources {
		if r == "" || strings.ContainsAny(r, "\r\n") {
			return malformed("invalid resource %q", r)
		}
	}
	return nil
}

// Encode renders m in canonical form
func Encode(m Message) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(m.Domain + headerSuffix + "\n")
	b.WriteString(m.Address + "\n")
	b.WriteString("\n")
	if m.Statement != "" {
		b.WriteString(m.Statement + "\n")
	}
	b.WriteString("\n")
	b.WriteString(tagURI + m.URI + "\n")
	b.WriteString(tagVersion + m.Version + "\n")
	b.WriteString(tagChainID + strconv.FormatInt(m.ChainID, 10) + "\n")
	b.WriteString(tagNonce + m.Nonce + "\n")
	b.WriteString(tagIssuedAt + formatTime(m.IssuedAt))
	if m.ExpirationTime != nil {
		b.WriteString("\n" + tagExpirationTime + formatTime(*m.ExpirationTime))
	}
	if m.NotBefore != nil {
		b.WriteString("\n" + tagNotBefore + formatTime(*m.NotBefore))
	}
	if m.RequestID != "" {
		b.WriteString("\n" + tagRequestID + m.RequestID)
	}
	if len(m.Resources) > 0 {
		b.WriteString("\n" + tagResources)
		for _, r := range m.Resources {
			b.WriteString("\n" + resourcePrefix + r)
		}
	}
	return b.String(), nil
}

// Decode parses a canonical message
func Decode(text string) (Message, error) {
	var m Message
	p := &parser{lines: strings.Split(text, "\n")}

	header, ok := p.next()
	if !ok || !strings.HasSuffix(header, headerSuffix) {
		return Message{}, malformed("missing header")
	}
	m.Domain = strings.TrimSuffix(header, headerSuffix)

	if m.Address, ok = p.next(); !ok {
		return Message{}, malformed("missing address")
	}
	if line, ok := p.next(); !ok || line != "" {
		return Message{}, malformed("expected blank line after address")
	}

	// Either "statement, blank" or a single blank before the URI
	line, ok := p.next()
	if !ok {
		return Message{}, malformed("truncated message")
	}
	if line != "" {
		m.Statement = line
		if line, ok = p.next(); !ok || line != "" {
			return Message{}, malformed("expected blank line after statement")
		}
	}

	var err error
	if m.URI, err = p.field(tagURI); err != nil {
		return Message{}, err
	}
	if m.Version, err = p.field(tagVersion); err != nil {
		return Message{}, err
	}
	chainID, err := p.field(tagChainID)
	if err != nil {
		return Message{}, err
	}
	if m.ChainID, err = strconv.ParseInt(chainID, 10, 64); err != nil || strconv.FormatInt(m.ChainID, 10) != chainID {
		return Message{}, malformed("invalid chain id %q", chainID)
	}
	if m.Nonce, err = p.field(tagNonce); err != nil {
		return Message{}, err
	}
	issuedAt, err := p.field(tagIssuedAt)
	if err != nil {
		return Message{}, err
	}
	if m.IssuedAt, err = parseTime(issuedAt); err != nil {
		return Message{}, err
	}

	if v, present := p.optional(tagExpirationTime); present {
		t, err := parseTime(v)
		if err != nil {
			return Message{}, err
		}
		m.ExpirationTime = &t
	}
	if v, present := p.optional(tagNotBefore); present {
		t, err := parseTime(v)
		if err != nil {
			return Message{}, err
		}
		m.NotBefore = &t
	}
	if v, present := p.optional(tagRequestID); present {
		if v == "" {
			return Message{}, malformed("empty request id")
		}
		m.RequestID = v
	}

	if line, ok := p.peek(); ok && line == tagResources {
		p.next()
		for {
			line, ok := p.next()
			if !ok {
				break
			}
			if !strings.HasPrefix(line, resourcePrefix) {
				return Message{}, malformed("unexpected line %q", line)
			}
			m.Resources = append(m.Resources, strings.TrimPrefix(line, resourcePrefix))
		}
		if len(m.Resources) == 0 {
			return Message{}, malformed("empty resources list")
		}
	}

	if line, ok := p.next(); ok {
		return Message{}, malformed("unexpected line %q", line)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

type parser struct {
	lines []string
	pos   int
}

func (p *parser) peek() (string, bool) {
	if p.pos >= len(p.lines) {
		return "", false
	}
	return p.lines[p.pos], true
}

func (p *parser) next() (string, bool) {
	line, ok := p.peek()
	if ok {
		p.pos++
	}
	return line, ok
}

func (p *parser) field(tag string) (string, error) {
	line, ok := p.next()
	if !ok || !strings.HasPrefix(line, tag) {
		return "", malformed("expected %q", strings.TrimSpace(tag))
	}
	return strings.TrimPrefix(line, tag), nil
}

func (p *parser) optional(tag string) (string, bool) {
	line, ok := p.peek()
	if !ok || !strings.HasPrefix(line, tag) {
		return "", false
	}
	p.next()
	return strings.TrimPrefix(line, tag), true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, malformed("invalid timestamp %q", s)
	}
	return t.UTC(), nil
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
