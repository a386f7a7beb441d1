package cherrypick

import (
	"regexp"
	"strings"
)

var headerRe = regexp.MustCompile(`^([A-Za-z-]+): (.*)$`)

// Header is a single "Key: value" pseudo-header (trailer) of a commit message.
type Header struct {
	Key   string
	Value string
}

// Message is a commit message split into its body and trailing pseudo-headers.
type Message struct {
	Body    string
	Headers []Header
}

// ParseMessage splits the trailing pseudo-headers off msg. The title line is
// never treated as a header. Co-authored-by lines are collected wherever they
// appear after the title.
func ParseMessage(msg string) Message {
	lines := strings.Split(strings.ReplaceAll(msg, "\r\n", "\n"), "\n")
	title := lines[0]

	var headers []Header
	var body []string
	inHeaders := true
	for i := len(lines) - 1; i >= 1; i-- {
		line := lines[i]
		if line == "" {
			if !inHeaders && len(body) > 0 && body[len(body)-1] != "" {
				body = append(body, line)
			}
			continue
		}
		if m := headerRe.FindStringSubmatch(line); m != nil {
			if inHeaders || strings.EqualFold(m[1], "co-authored-by") {
				headers = append(headers, Header{Key: m[1], Value: m[2]})
				continue
			}
		}
		body = append(body, line)
		inHeaders = false
	}

	if len(body) > 0 && body[len(body)-1] != "" {
		body = append(body, "")
	}
	body = append(body, title)

	reverse(body)
	reverse(headers)
	return Message{Body: strings.TrimSpace(strings.Join(body, "\n")), Headers: headers}
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// Get returns every value of key, case-insensitively.
func (m *Message) Get(key string) []string {
	var out []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Key, key) {
			out = append(out, h.Value)
		}
	}
	return out
}

// Remove drops every header named key.
func (m *Message) Remove(key string) {
	kept := m.Headers[:0]
	for _, h := range m.Headers {
		if !strings.EqualFold(h.Key, key) {
			kept = append(kept, h)
		}
	}
	m.Headers = kept
}

// Set replaces all values of key with a single value.
func (m *Message) Set(key, value string) {
	m.Remove(key)
	m.Headers = append(m.Headers, Header{Key: key, Value: value})
}

// Rename moves every value of from under the key to, keeping their positions.
func (m *Message) Rename(from, to string) {
	for i := range m.Headers {
		if strings.EqualFold(m.Headers[i].Key, from) {
			m.Headers[i].Key = to
		}
	}
}

// String serializes the message. Keys are capitalized and grouped in order of
// first appearance, with Co-authored-by always last so the hosting service
// still recognizes it.
func (m Message) String() string {
	body := strings.TrimRight(m.Body, " \t\n")
	if len(m.Headers) == 0 {
		return body + "\n"
	}

	var ordered []string
	seen := make(map[string]bool)
	coAuthored := false
	for _, h := range m.Headers {
		k := capitalize(h.Key)
		switch {
		case seen[k]:
		case k == "Co-authored-by":
			coAuthored = true
		default:
			ordered = append(ordered, k)
		}
		seen[k] = true
	}
	if coAuthored {
		ordered = append(ordered, "Co-authored-by")
	}

	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\n")
	for _, k := range ordered {
		for _, v := range m.Get(k) {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

// ForwardPortMessage rewrites an original commit message for its forward-ported
// copy: Signed-off-by trailers become Original-signed-off-by and a single
// X-original-commit trailer references the commit that was actually merged.
func ForwardPortMessage(original, mergedSHA string) string {
	msg := ParseMessage(original)
	msg.Rename("signed-off-by", "original-signed-off-by")
	msg.Set("x-original-commit", mergedSHA)
	return msg.String()
}
