// Package extractor defines the platform extraction capability the capture
// pipeline consumes, plus a selector-profile implementation of it.
package extractor

import (
	"errors"

	"github.com/avvvet/chatcapture/internal/models"
)

var (
	ErrDetached        = errors.New("element is detached from surface")
	ErrUnknownPlatform = errors.New("unknown platform")
)

// Element is a handle to one node of the observed surface
type Element interface {
	// Text returns the rendered text of the element and its descendants
	Text() string
	// Attr returns an attribute value
	Attr(name string) (string, bool)
	// Matches reports whether the element satisfies a CSS selector
	Matches(selector string) bool
	// FindAll returns descendants matching selector in document order
	FindAll(selector string) []Element
	// Attached reports whether the element still belongs to the current render
	Attached() bool
}

// Surface is the externally rendered, mutating document being observed
type Surface interface {
	// URL returns the current address of the surface
	URL() string
	// Find returns the first element matching selector, or nil
	Find(selector string) Element
	// Observe calls notify whenever content under the first element matching
	// selector changes. notify may be called from any goroutine.
	Observe(selector string, notify func()) (cancel func(), err error)
}

// Selectors declares where messages live on a platform
type Selectors struct {
	User      string `yaml:"user"`
	Assistant string `yaml:"assistant"`
	Container string `yaml:"container"`
}

// Messages returns a group selector matching both roles
func (s Selectors) Messages() string {
	switch {
	case s.User == "":
		return s.Assistant
	case s.Assistant == "":
		return s.User
	default:
		return s.User + ", " + s.Assistant
	}
}

// Extractor knows how to find, classify and read messages on one platform
type Extractor interface {
	Platform() string
	Selectors() Selectors
	// ExtractContent returns normalized message text, "" when there is none
	ExtractContent(el Element, role models.Role) (string, error)
	// DetectRole returns "" when the element is not a message
	DetectRole(el Element) models.Role
	// ConversationID returns "" when the surface has no id yet
	ConversationID() string
}

// IDExtractor is implemented by extractors that can read a stable,
// source-supplied message id.
type IDExtractor interface {
	MessageID(el Element) string
}
