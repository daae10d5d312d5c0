package extractor_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/avvvet/chatcapture/internal/extractor"
	"github.com/avvvet/chatcapture/internal/models"
	"github.com/avvvet/chatcapture/internal/surface"
	"github.com/m-mizutani/gt"
)

const chatgptPage = `<html><head><link rel="canonical" href="https://chatgpt.com/c/6650-abc"></head><body><main>
<div data-message-author-role="user" data-message-id="u1">  What is   Go? </div>
<div data-message-author-role="assistant" data-message-id="a1"><div class="markdown"><p>Go is</p><p>a language.</p></div></div>
<div data-message-author-role="system">hidden</div>
</main></body></html>`

func newDoc(t *testing.T, markup string) *surface.Document {
	doc := surface.NewDocument("")
	gt.NoError(t, doc.LoadString(markup))
	return doc
}

func TestChatGPTProfile(t *testing.T) {
	doc := newDoc(t, chatgptPage)
	reg := extractor.NewRegistry(extractor.Builtin()...)

	ext, err := reg.New("", doc)
	gt.NoError(t, err)
	gt.Equal(t, ext.Platform(), "chatgpt")
	gt.Equal(t, ext.ConversationID(), "6650-abc")

	container := doc.Find(ext.Selectors().Container)
	gt.V(t, container).NotNil()

	elements := container.FindAll(ext.Selectors().Messages())
	gt.A(t, elements).Length(2)

	gt.Equal(t, ext.DetectRole(elements[0]), models.RoleUser)
	gt.Equal(t, ext.DetectRole(elements[1]), models.RoleAssistant)

	content, err := ext.ExtractContent(elements[0], models.RoleUser)
	gt.NoError(t, err)
	gt.Equal(t, content, "What is Go?")

	content, err = ext.ExtractContent(elements[1], models.RoleAssistant)
	gt.NoError(t, err)
	gt.Equal(t, content, "Go is a language.")

	idx, ok := ext.(extractor.IDExtractor)
	gt.True(t, ok)
	gt.Equal(t, idx.MessageID(elements[1]), "a1")
}

func TestDetectRoleBySelector(t *testing.T) {
	doc := newDoc(t, `<html><body><main>
<div data-testid="user-message">Hi</div>
<div class="font-claude-message">Hello</div>
<div class="other">noise</div>
</main></body></html>`)

	reg := extractor.NewRegistry(extractor.Builtin()...)
	ext, err := reg.New("claude", doc)
	gt.NoError(t, err)

	main := doc.Find("main")
	all := main.FindAll("div")
	gt.A(t, all).Length(3)
	gt.Equal(t, ext.DetectRole(all[0]), models.RoleUser)
	gt.Equal(t, ext.DetectRole(all[1]), models.RoleAssistant)
	gt.Equal(t, ext.DetectRole(all[2]), models.Role(""))
	gt.Equal(t, ext.ConversationID(), "")
}

func TestExtractDetached(t *testing.T) {
	doc := newDoc(t, chatgptPage)
	reg := extractor.NewRegistry(extractor.Builtin()...)
	ext, err := reg.New("chatgpt", doc)
	gt.NoError(t, err)

	el := doc.Find(`[data-message-author-role="user"]`)
	gt.NoError(t, doc.LoadString(chatgptPage))

	_, err = ext.ExtractContent(el, models.RoleUser)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, extractor.ErrDetached))
}

func TestUnknownPlatform(t *testing.T) {
	doc := newDoc(t, `<html><head><link rel="canonical" href="https://unknown.example/x"></head></html>`)
	reg := extractor.NewRegistry(extractor.Builtin()...)

	_, err := reg.New("", doc)
	gt.True(t, errors.Is(err, extractor.ErrUnknownPlatform))

	_, err = reg.New("nope", doc)
	gt.True(t, errors.Is(err, extractor.ErrUnknownPlatform))
}

func TestGenericConversationPattern(t *testing.T) {
	reg := extractor.NewRegistry(extractor.Builtin()...)

	for _, tc := range []struct {
		url  string
		want string
	}{
		{"https://chat.local/conversation/xyz", "xyz"},
		{"https://chat.local/app?conversation=42&tab=1", "42"},
		{"https://chat.local/", ""},
	} {
		t.Run(tc.url, func(t *testing.T) {
			doc := surface.NewDocument(tc.url)
			gt.NoError(t, doc.LoadString(`<html></html>`))
			ext, err := reg.New("generic", doc)
			gt.NoError(t, err)
			gt.Equal(t, ext.ConversationID(), tc.want)
		})
	}
}

func TestLoadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	gt.NoError(t, os.WriteFile(path, []byte(`profiles:
  - name: local
    hosts: [chat.internal]
    selectors:
      user: ".me"
      assistant: ".bot"
      container: "#log"
    conversation_pattern: "/t/([0-9]+)"
`), 0o644))

	profiles, err := extractor.LoadProfiles(path)
	gt.NoError(t, err)
	gt.A(t, profiles).Length(1)
	gt.Equal(t, profiles[0].Selectors.Container, "#log")

	reg := extractor.NewRegistry(append(extractor.Builtin(), profiles...)...)
	p, err := reg.Detect("https://chat.internal/t/9")
	gt.NoError(t, err)
	gt.Equal(t, p.Name, "local")
}

func TestLoadProfilesInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	gt.NoError(t, os.WriteFile(path, []byte(`profiles:
  - name: broken
    selectors:
      user: ".me"
    conversation_pattern: "/t/[0-9]+"
`), 0o644))

	_, err := extractor.LoadProfiles(path)
	gt.Error(t, err)
}

func TestSelectorsMessages(t *testing.T) {
	gt.Equal(t, extractor.Selectors{User: "a", Assistant: "b"}.Messages(), "a, b")
	gt.Equal(t, extractor.Selectors{User: "a"}.Messages(), "a")
	gt.Equal(t, extractor.Selectors{Assistant: "b"}.Messages(), "b")
}
