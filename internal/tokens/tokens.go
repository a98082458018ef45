// Package tokens implements model-aware token accounting for prompt
// budget decisions. Counting never fails: when a BPE encoding cannot be
// loaded the counter degrades to a deterministic heuristic.
package tokens

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
)

// Profile describes how a model family charges prompt tokens.
type Profile struct {
	Encoding      string `json:"encoding"`       // tiktoken encoding name; empty forces the heuristic
	PerMessage    int    `json:"per_message"`    // framing overhead per message
	PerInvocation int    `json:"per_invocation"` // overhead per tool-call entry
	PerDescriptor int    `json:"per_descriptor"` // overhead per offered capability schema
}

var modelProfiles = []struct {
	prefix  string
	profile Profile
}{
	{"gpt-5", Profile{Encoding: "o200k_base", PerMessage: 3, PerInvocation: 4, PerDescriptor: 6}},
	{"gpt-4o", Profile{Encoding: "o200k_base", PerMessage: 3, PerInvocation: 4, PerDescriptor: 6}},
	{"gpt-4.1", Profile{Encoding: "o200k_base", PerMessage: 3, PerInvocation: 4, PerDescriptor: 6}},
	{"o1", Profile{Encoding: "o200k_base", PerMessage: 3, PerInvocation: 4, PerDescriptor: 6}},
	{"o3", Profile{Encoding: "o200k_base", PerMessage: 3, PerInvocation: 4, PerDescriptor: 6}},
	{"gpt-4", Profile{Encoding: "cl100k_base", PerMessage: 3, PerInvocation: 4, PerDescriptor: 6}},
	{"gpt-3.5", Profile{Encoding: "cl100k_base", PerMessage: 4, PerInvocation: 4, PerDescriptor: 6}},
	{"claude", Profile{Encoding: "cl100k_base", PerMessage: 4, PerInvocation: 5, PerDescriptor: 8}},
}

var defaultProfile = Profile{Encoding: "cl100k_base", PerMessage: 4, PerInvocation: 5, PerDescriptor: 8}

// ProfileForModel resolves the accounting profile for a model name by
// prefix. Provider prefixes ("anthropic/claude-...") are stripped first.
// Unknown models get the default profile.
func ProfileForModel(name string) Profile {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	for _, entry := range modelProfiles {
		if strings.HasPrefix(name, entry.prefix) {
			return entry.profile
		}
	}
	return defaultProfile
}

// Counter counts prompt tokens under one accounting profile. The BPE
// encoding loads lazily on first use; a load failure is logged once and
// the counter falls back to the heuristic for its lifetime.
type Counter struct {
	profile Profile
	log     *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewCounter(modelName string, logger *slog.Logger) *Counter {
	return NewCounterWithProfile(ProfileForModel(modelName), logger)
}

func NewCounterWithProfile(p Profile, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if p.PerMessage <= 0 {
		p.PerMessage = defaultProfile.PerMessage
	}
	if p.PerInvocation <= 0 {
		p.PerInvocation = defaultProfile.PerInvocation
	}
	if p.PerDescriptor <= 0 {
		p.PerDescriptor = defaultProfile.PerDescriptor
	}
	return &Counter{profile: p, log: logger}
}

// NewHeuristicCounter returns a counter that never touches BPE data.
// Useful where deterministic offline counting matters more than accuracy.
func NewHeuristicCounter(logger *slog.Logger) *Counter {
	p := defaultProfile
	p.Encoding = ""
	return NewCounterWithProfile(p, logger)
}

func (c *Counter) Profile() Profile {
	if c == nil {
		return defaultProfile
	}
	return c.profile
}

func (c *Counter) encoding() *tiktoken.Tiktoken {
	if c == nil || strings.TrimSpace(c.profile.Encoding) == "" {
		return nil
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.profile.Encoding)
		if err != nil {
			c.log.Warn("token encoding unavailable, falling back to heuristic", "encoding", c.profile.Encoding, "error", err)
			return
		}
		c.enc = enc
	})
	return c.enc
}

// Text counts the tokens of a raw string.
func (c *Counter) Text(s string) int {
	if s == "" {
		return 0
	}
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return heuristicTokens(s)
}

// heuristicTokens approximates BPE behavior without table data: ASCII
// runs about four characters per token, everything else about two tokens
// per rune.
func heuristicTokens(s string) int {
	ascii := 0
	other := 0
	for _, r := range s {
		if r < 128 {
			ascii++
		} else {
			other++
		}
	}
	n := ascii/4 + other*2
	if n < 1 {
		n = 1
	}
	return n
}

// Message counts one log entry including its framing overhead.
func (c *Counter) Message(m model.Message) int {
	if c == nil {
		return 0
	}
	n := c.profile.PerMessage
	n += c.Text(m.Content)
	n += c.Text(m.ToolCallRef)
	for _, call := range m.ToolCalls {
		n += c.profile.PerInvocation
		n += c.Text(call.Name)
		n += c.Text(string(call.Args))
	}
	return n
}

func (c *Counter) Messages(msgs []model.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.Message(m)
	}
	return total
}

// Descriptors counts the prompt cost of offering a capability catalog:
// each entry charges its name, description, serialized schema, and the
// per-descriptor framing overhead.
func (c *Counter) Descriptors(defs []capability.Descriptor) int {
	if c == nil {
		return 0
	}
	total := 0
	for _, d := range defs {
		total += c.profile.PerDescriptor
		total += c.Text(d.Name)
		total += c.Text(d.Description)
		total += c.Text(string(d.Schema))
	}
	return total
}
