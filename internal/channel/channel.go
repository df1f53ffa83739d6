// Package channel routes outbound messages to the chat surface a user
// arrived on. User IDs carry their channel as a prefix ("telegram:42",
// "api:ws-abc"); the registry resolves the prefix to a registered
// trigger source and falls back to a default for bare IDs.
package channel

import (
	"log"
	"sort"
	"strings"
	"sync"
)

// TriggerSource delivers proactive messages on one channel. Senders
// report success as a bool; the scheduler retries failed deliveries on
// a later tick.
type TriggerSource interface {
	SendMessage(userID, message string) bool
	SendFile(userID, path, caption string) bool
	Name() string
}

// Registry maps user-ID prefixes to trigger sources.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]TriggerSource
	def     TriggerSource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]TriggerSource)}
}

// Register binds a user-ID prefix ("telegram", "api") to a source.
func (r *Registry) Register(prefix string, src TriggerSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[prefix] = src
	log.Printf("[channel] Registered %s source for prefix %q", src.Name(), prefix)
}

// SetDefault sets the source used for user IDs without a known prefix.
func (r *Registry) SetDefault(src TriggerSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = src
}

// Resolve returns the source for a user ID, or nil when nothing is
// registered for its prefix and no default exists.
func (r *Registry) Resolve(userID string) TriggerSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if idx := strings.Index(userID, ":"); idx > 0 {
		if src, ok := r.sources[userID[:idx]]; ok {
			return src
		}
	}
	return r.def
}

// SendMessage routes one message. Returns false when no source is
// registered or the source reports failure.
func (r *Registry) SendMessage(userID, message string) bool {
	src := r.Resolve(userID)
	if src == nil {
		log.Printf("[channel] No source for user %s, dropping message", userID)
		return false
	}
	return src.SendMessage(userID, message)
}

// SendFile routes one file.
func (r *Registry) SendFile(userID, path, caption string) bool {
	src := r.Resolve(userID)
	if src == nil {
		log.Printf("[channel] No source for user %s, dropping file", userID)
		return false
	}
	return src.SendFile(userID, path, caption)
}

// Names lists the registered prefixes, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sources))
	for prefix := range r.sources {
		names = append(names, prefix)
	}
	sort.Strings(names)
	return names
}

// ConsoleSource writes deliveries to the process log. The daemon runs
// with it as the default source until a real chat surface registers.
type ConsoleSource struct{}

func (ConsoleSource) SendMessage(userID, message string) bool {
	log.Printf("[channel] -> %s: %s", userID, message)
	return true
}

func (ConsoleSource) SendFile(userID, path, caption string) bool {
	log.Printf("[channel] -> %s: file %s (%s)", userID, path, caption)
	return true
}

func (ConsoleSource) Name() string { return "console" }

// SentMessage is one recorded delivery.
type SentMessage struct {
	UserID  string
	Message string
}

// SentFile is one recorded file delivery.
type SentFile struct {
	UserID  string
	Path    string
	Caption string
}

// TestSource records outbound traffic instead of sending it. Tests and
// the console binary register it as the delivery target. With Offline
// set, every send reports failure.
type TestSource struct {
	name    string
	Offline bool

	mu       sync.Mutex
	messages []SentMessage
	files    []SentFile
}

// NewTestSource creates a recording source.
func NewTestSource(name string) *TestSource {
	return &TestSource{name: name}
}

func (s *TestSource) SendMessage(userID, message string) bool {
	if s.Offline {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, SentMessage{UserID: userID, Message: message})
	return true
}

func (s *TestSource) SendFile(userID, path, caption string) bool {
	if s.Offline {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, SentFile{UserID: userID, Path: path, Caption: caption})
	return true
}

func (s *TestSource) Name() string { return s.name }

// Messages returns a copy of the recorded messages.
func (s *TestSource) Messages() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Files returns a copy of the recorded file sends.
func (s *TestSource) Files() []SentFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentFile, len(s.files))
	copy(out, s.files)
	return out
}

// Reset clears the recordings.
func (s *TestSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.files = nil
}
