// Package surface renders an HTML snapshot as an observable extractor.Surface.
package surface

import (
	"bytes"
	"crypto/sha256"
	"io"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/avvvet/chatcapture/internal/extractor"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/net/html"
)

type observer struct {
	selector string
	notify   func()
	digest   [32]byte
}

// Document is an in-memory DOM that can be re-rendered with Load. Elements
// handed out before a Load become detached. Document is not safe for
// concurrent use.
type Document struct {
	root       *html.Node
	generation uint64
	url        string
	fallback   string

	selectors map[string]cascadia.SelectorGroup
	observers map[int]*observer
	nextObs   int
}

// NewDocument creates an empty document. fallbackURL is reported when the
// rendered page does not carry a canonical link.
func NewDocument(fallbackURL string) *Document {
	return &Document{
		fallback:  fallbackURL,
		url:       fallbackURL,
		selectors: make(map[string]cascadia.SelectorGroup),
		observers: make(map[int]*observer),
	}
}

// LoadString re-renders the document from markup
func (d *Document) LoadString(markup string) error {
	return d.Load(strings.NewReader(markup))
}

// Load re-renders the document and notifies observers whose container
// subtree changed.
func (d *Document) Load(r io.Reader) error {
	root, err := html.Parse(r)
	if err != nil {
		return goerr.Wrap(err, "failed to parse html")
	}

	d.root = root
	d.generation++
	d.url = d.fallback
	if href := d.canonicalURL(); href != "" {
		d.url = href
	}

	var changed []func()
	for _, obs := range d.observers {
		digest := d.digest(obs.selector)
		if digest != obs.digest {
			obs.digest = digest
			changed = append(changed, obs.notify)
		}
	}
	for _, notify := range changed {
		notify()
	}
	return nil
}

// URL implements extractor.Surface
func (d *Document) URL() string {
	return d.url
}

// Find implements extractor.Surface
func (d *Document) Find(selector string) extractor.Element {
	n := d.query(d.root, selector)
	if n == nil {
		return nil
	}
	return d.wrap(n)
}

// Observe implements extractor.Surface. The container must exist when
// observation starts.
func (d *Document) Observe(selector string, notify func()) (func(), error) {
	if d.query(d.root, selector) == nil {
		return nil, goerr.New("container not found", goerr.V("selector", selector))
	}

	d.nextObs++
	id := d.nextObs
	d.observers[id] = &observer{
		selector: selector,
		notify:   notify,
		digest:   d.digest(selector),
	}
	return func() { delete(d.observers, id) }, nil
}

func (d *Document) canonicalURL() string {
	link := d.query(d.root, `link[rel="canonical"]`)
	if link == nil {
		return ""
	}
	for _, a := range link.Attr {
		if a.Key == "href" {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func (d *Document) digest(selector string) [32]byte {
	n := d.query(d.root, selector)
	if n == nil {
		return [32]byte{}
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return [32]byte{}
	}
	return sha256.Sum256(buf.Bytes())
}

func (d *Document) compile(selector string) (cascadia.SelectorGroup, error) {
	if sel, ok := d.selectors[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid selector", goerr.V("selector", selector))
	}
	d.selectors[selector] = sel
	return sel, nil
}

func (d *Document) query(root *html.Node, selector string) *html.Node {
	if root == nil {
		return nil
	}
	sel, err := d.compile(selector)
	if err != nil {
		return nil
	}
	return cascadia.Query(root, sel)
}

func (d *Document) wrap(n *html.Node) *element {
	return &element{doc: d, node: n, generation: d.generation}
}

// element implements extractor.Element over an html.Node
type element struct {
	doc        *Document
	node       *html.Node
	generation uint64
}

func (e *element) Text() string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
			if n.Data == "br" || n.Data == "p" || n.Data == "div" || n.Data == "li" {
				b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(e.node)
	return b.String()
}

func (e *element) Attr(name string) (string, bool) {
	for _, a := range e.node.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func (e *element) Matches(selector string) bool {
	sel, err := e.doc.compile(selector)
	if err != nil {
		return false
	}
	return sel.Match(e.node)
}

func (e *element) FindAll(selector string) []extractor.Element {
	sel, err := e.doc.compile(selector)
	if err != nil {
		return nil
	}
	nodes := cascadia.QueryAll(e.node, sel)
	out := make([]extractor.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &element{doc: e.doc, node: n, generation: e.generation})
	}
	return out
}

func (e *element) Attached() bool {
	return e.generation == e.doc.generation
}
