package extractor

import (
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/avvvet/chatcapture/internal/models"
	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// Profile describes one platform variant declaratively
type Profile struct {
	Name      string    `yaml:"name"`
	Hosts     []string  `yaml:"hosts"`
	Selectors Selectors `yaml:"selectors"`
	// RoleAttr holds "user"/"assistant" on message elements when set
	RoleAttr string `yaml:"role_attr"`
	// IDAttr holds a stable message id on message elements when set
	IDAttr string `yaml:"id_attr"`
	// ContentSelector narrows text extraction to a descendant
	ContentSelector string `yaml:"content_selector"`
	// ConversationPattern is matched against the URL path and query; the
	// first capture group is the conversation id
	ConversationPattern string `yaml:"conversation_pattern"`
}

// Validate checks the profile can drive an extractor
func (p *Profile) Validate() error {
	if p.Name == "" {
		return goerr.New("profile name is empty")
	}
	if p.Selectors.Container == "" {
		return goerr.New("container selector is empty", goerr.V("profile", p.Name))
	}
	if p.Selectors.User == "" && p.Selectors.Assistant == "" {
		return goerr.New("no message selectors", goerr.V("profile", p.Name))
	}
	if p.ConversationPattern != "" {
		re, err := regexp.Compile(p.ConversationPattern)
		if err != nil {
			return goerr.Wrap(err, "invalid conversation pattern", goerr.V("profile", p.Name))
		}
		if re.NumSubexp() < 1 {
			return goerr.New("conversation pattern needs a capture group", goerr.V("profile", p.Name))
		}
	}
	return nil
}

// Builtin returns the profiles shipped with the binary
func Builtin() []Profile {
	return []Profile{
		{
			Name:  "chatgpt",
			Hosts: []string{"chatgpt.com", "chat.openai.com"},
			Selectors: Selectors{
				User:      `[data-message-author-role="user"]`,
				Assistant: `[data-message-author-role="assistant"]`,
				Container: "main",
			},
			RoleAttr:            "data-message-author-role",
			IDAttr:              "data-message-id",
			ConversationPattern: `/c/([A-Za-z0-9-]+)`,
		},
		{
			Name:  "claude",
			Hosts: []string{"claude.ai"},
			Selectors: Selectors{
				User:      `[data-testid="user-message"]`,
				Assistant: `.font-claude-message`,
				Container: "main",
			},
			ConversationPattern: `/chat/([A-Za-z0-9-]+)`,
		},
		{
			Name:  "gemini",
			Hosts: []string{"gemini.google.com"},
			Selectors: Selectors{
				User:      "user-query",
				Assistant: "model-response",
				Container: "chat-window",
			},
			ContentSelector:     ".query-text, message-content",
			ConversationPattern: `/app/([A-Za-z0-9]+)`,
		},
		{
			Name: "generic",
			Selectors: Selectors{
				User:      `[data-role="user"]`,
				Assistant: `[data-role="assistant"]`,
				Container: "[data-chat-container]",
			},
			RoleAttr:            "data-role",
			IDAttr:              "data-message-id",
			ConversationPattern: `[?&/]conversation[=/]([^&/#]+)`,
		},
	}
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles reads additional profiles from a YAML file
func LoadProfiles(path string) ([]Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read profiles file", goerr.V("path", path))
	}

	var file profileFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, goerr.Wrap(err, "failed to parse profiles file", goerr.V("path", path))
	}

	for i := range file.Profiles {
		if err := file.Profiles[i].Validate(); err != nil {
			return nil, goerr.Wrap(err, "invalid profile", goerr.V("path", path), goerr.V("index", i))
		}
	}
	return file.Profiles, nil
}

// Registry selects a profile by name or by URL host
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds a registry; later profiles replace earlier ones with
// the same name.
func NewRegistry(profiles ...Profile) *Registry {
	r := &Registry{profiles: make(map[string]Profile)}
	for _, p := range profiles {
		r.profiles[p.Name] = p
	}
	return r
}

// Names lists registered profile names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the profile registered under name
func (r *Registry) Lookup(name string) (Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, goerr.Wrap(ErrUnknownPlatform, "profile not registered", goerr.V("name", name))
	}
	return p, nil
}

// Detect picks the profile whose hosts contain the URL host
func (r *Registry) Detect(rawURL string) (Profile, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Profile{}, goerr.Wrap(err, "failed to parse url", goerr.V("url", rawURL))
	}
	host := strings.ToLower(u.Hostname())
	for _, name := range r.Names() {
		p := r.profiles[name]
		for _, h := range p.Hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return p, nil
			}
		}
	}
	return Profile{}, goerr.Wrap(ErrUnknownPlatform, "no profile for host", goerr.V("host", host))
}

// New builds an extractor for the named profile over surface. An empty
// name selects by the surface URL.
func (r *Registry) New(name string, surface Surface) (Extractor, error) {
	var (
		p   Profile
		err error
	)
	if name == "" {
		p, err = r.Detect(surface.URL())
	} else {
		p, err = r.Lookup(name)
	}
	if err != nil {
		return nil, err
	}
	return NewSelectorExtractor(p, surface)
}

// Normalize trims and collapses whitespace
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// selectorExtractor implements Extractor from a Profile
type selectorExtractor struct {
	profile Profile
	surface Surface
	convRe  *regexp.Regexp
}

// NewSelectorExtractor returns an Extractor driven entirely by p
func NewSelectorExtractor(p Profile, surface Surface) (Extractor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	x := &selectorExtractor{profile: p, surface: surface}
	if p.ConversationPattern != "" {
		x.convRe = regexp.MustCompile(p.ConversationPattern)
	}
	return x, nil
}

func (x *selectorExtractor) Platform() string { return x.profile.Name }

func (x *selectorExtractor) Selectors() Selectors { return x.profile.Selectors }

func (x *selectorExtractor) DetectRole(el Element) models.Role {
	if x.profile.RoleAttr != "" {
		if v, ok := el.Attr(x.profile.RoleAttr); ok {
			if role := models.Role(strings.ToLower(strings.TrimSpace(v))); role.Valid() {
				return role
			}
		}
	}
	if sel := x.profile.Selectors.User; sel != "" && el.Matches(sel) {
		return models.RoleUser
	}
	if sel := x.profile.Selectors.Assistant; sel != "" && el.Matches(sel) {
		return models.RoleAssistant
	}
	return ""
}

func (x *selectorExtractor) ExtractContent(el Element, role models.Role) (string, error) {
	if !el.Attached() {
		return "", goerr.Wrap(ErrDetached, "cannot extract content", goerr.V("role", role))
	}

	target := el
	if sel := x.profile.ContentSelector; sel != "" {
		if found := el.FindAll(sel); len(found) > 0 {
			target = found[0]
		}
	}
	return Normalize(target.Text()), nil
}

func (x *selectorExtractor) ConversationID() string {
	if x.convRe == nil {
		return ""
	}
	u, err := url.Parse(x.surface.URL())
	if err != nil {
		return ""
	}
	subject := u.EscapedPath()
	if u.RawQuery != "" {
		subject += "?" + u.RawQuery
	}
	m := x.convRe.FindStringSubmatch(subject)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// MessageID implements IDExtractor
func (x *selectorExtractor) MessageID(el Element) string {
	if x.profile.IDAttr == "" {
		return ""
	}
	v, _ := el.Attr(x.profile.IDAttr)
	return strings.TrimSpace(v)
}
