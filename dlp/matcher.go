package dlp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const (
	maxNesting  = 10
	maxPartSize = 10 << 20
)

// Mail is the envelope and content of a message in transit.
type Mail struct {
	Sender     string
	Recipients []string
	// Message is the RFC 5322 message. It may be nil.
	Message io.Reader
}

// Result is the outcome of a match.
type Result struct {
	RuleID     string
	Recipients []string
}

// Matcher checks mail against the rules of its sender domain.
type Matcher struct {
	loader RulesLoader
	logger *slog.Logger
}

// NewMatcher creates a matcher loading rules through loader.
func NewMatcher(loader RulesLoader, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{loader: loader, logger: logger}
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Match returns the first rule matching m. Sender rules are tried first,
// then recipient rules, then content rules. When a rule matches, every
// recipient of m is reported.
func (m *Matcher) Match(ctx context.Context, in *Mail) (Result, bool, error) {
	if in == nil {
		return Result{}, false, ErrNilMail
	}
	if in.Sender == "" || len(in.Recipients) == 0 {
		return Result{}, false, nil
	}
	domain := domainOf(in.Sender)
	if domain == "" {
		return Result{}, false, nil
	}

	rules, err := m.loader.RulesFor(ctx, domain)
	if err != nil {
		return Result{}, false, fmt.Errorf("dlp: load rules for %s: %w", domain, err)
	}
	if len(rules) == 0 {
		return Result{}, false, nil
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Expression)
		if err != nil {
			m.logger.Warn("skipping dlp rule with invalid expression", "domain", domain, "rule", r.ID, "error", err)
			continue
		}
		compiled = append(compiled, compiledRule{Rule: r, re: re})
	}

	parts, err := extract(in)
	if err != nil {
		return Result{}, false, err
	}

	passes := []struct {
		target func(Targets) bool
		values []string
	}{
		{func(t Targets) bool { return t.Sender }, parts.senders},
		{func(t Targets) bool { return t.Recipients }, parts.recipients},
		{func(t Targets) bool { return t.Content }, parts.content},
	}
	for _, pass := range passes {
		for _, r := range compiled {
			if pass.target(r.Targets) && matchesAny(r.re, pass.values) {
				m.logger.Info("dlp rule matched", "domain", domain, "rule", r.ID)
				return Result{RuleID: r.ID, Recipients: append([]string(nil), in.Recipients...)}, true, nil
			}
		}
	}
	return Result{}, false, nil
}

func matchesAny(re *regexp.Regexp, values []string) bool {
	for _, v := range values {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

func domainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

type mailParts struct {
	senders    []string
	recipients []string
	content    []string
}

func extract(in *Mail) (mailParts, error) {
	p := mailParts{
		senders:    []string{in.Sender},
		recipients: append([]string(nil), in.Recipients...),
	}
	if in.Message == nil {
		return p, nil
	}
	entity, err := message.Read(in.Message)
	if err != nil && !message.IsUnknownCharset(err) {
		return p, fmt.Errorf("dlp: parse message: %w", err)
	}

	h := mail.Header{Header: entity.Header}
	p.senders = append(p.senders, addresses(h, "From", "Sender")...)
	p.recipients = append(p.recipients, addresses(h, "To", "Cc", "Bcc")...)
	if err := collectContent(entity, &p.content, 0); err != nil {
		return p, err
	}
	return p, nil
}

// addresses returns the decoded header values of keys, plus each parsed
// address and display name.
func addresses(h mail.Header, keys ...string) []string {
	var out []string
	for _, k := range keys {
		if text, err := h.Text(k); err == nil && text != "" {
			out = append(out, text)
		}
		list, err := h.AddressList(k)
		if err != nil {
			continue
		}
		for _, a := range list {
			out = append(out, a.Address)
			if a.Name != "" {
				out = append(out, a.Name, a.Name+" <"+a.Address+">")
			}
		}
	}
	return out
}

// collectContent appends the subject and text parts of e, descending into
// multiparts and attached messages.
func collectContent(e *message.Entity, out *[]string, depth int) error {
	if subject, err := e.Header.Text("Subject"); err == nil && subject != "" {
		*out = append(*out, subject)
	}
	return collectBody(e, out, depth)
}

func collectBody(e *message.Entity, out *[]string, depth int) error {
	if depth > maxNesting {
		return nil
	}
	mediaType, _, _ := e.Header.ContentType()
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		mr := e.MultipartReader()
		if mr == nil {
			return nil
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil && !message.IsUnknownCharset(err) {
				return fmt.Errorf("dlp: read part: %w", err)
			}
			if err := collectBody(part, out, depth+1); err != nil {
				return err
			}
		}
	case mediaType == "message/rfc822":
		nested, err := message.Read(e.Body)
		if err != nil && !message.IsUnknownCharset(err) {
			return nil
		}
		return collectContent(nested, out, depth+1)
	case mediaType == "" || strings.HasPrefix(mediaType, "text/"):
		body, err := io.ReadAll(io.LimitReader(e.Body, maxPartSize))
		if err != nil {
			return fmt.Errorf("dlp: read body: %w", err)
		}
		*out = append(*out, string(body))
	}
	return nil
}
