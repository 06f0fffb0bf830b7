// Package template personalises outbound messages for each contact.
package template

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	textTemplate "text/template"
	"time"
	"unicode"
)

// DefaultName replaces a contact name that has no letters left after cleaning
const DefaultName = "Cik"

var spintax = regexp.MustCompile(`\{([^{}]*\|[^{}]*)\}`)

// lineBreaks are the escaped forms of a line break found in imported content
var lineBreaks = strings.NewReplacer(
	`\r\n`, "\n",
	`\n`, "\n",
	"%0A", "\n",
	"%0a", "\n",
	"<br />", "\n",
	"<br/>", "\n",
	"<br>", "\n",
	"[br]", "\n",
	"{br}", "\n",
)

// Data is what a message can refer to
type Data struct {
	Name   string
	Phone  string
	Device string
}

// Config contains engine settings
type Config struct {
	// Greeting prepends a time of day greeting to text messages
	Greeting bool `yaml:"greeting"`

	// Location decides the time of day of the greeting
	Location *time.Location `yaml:"-"`
}

// Engine renders message content for one contact
type Engine struct {
	cfg Config
	now func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewEngine creates a new template engine
func NewEngine(cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Engine{
		cfg: cfg,
		now: time.Now,
		rnd: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

// Render personalises content: {{.Name}} style template actions, spintax
// groups like {Hi|Hello}, the {name} and {phone} placeholders and escaped
// line breaks.
func (e *Engine) Render(content string, data Data) (string, error) {
	name := CleanName(data.Name)
	data.Name = name

	out := content
	if strings.Contains(out, "{{") {
		var err error
		out, err = e.renderText(out, data)
		if err != nil {
			return "", fmt.Errorf("failed to render message: %w", err)
		}
	}

	out = e.spin(out)
	out = strings.NewReplacer("{name}", name, "{phone}", data.Phone).Replace(out)
	out = lineBreaks.Replace(out)
	return out, nil
}

// RenderText renders a text message, adding the greeting when enabled
func (e *Engine) RenderText(content string, data Data) (string, error) {
	out, err := e.Render(content, data)
	if err != nil {
		return "", err
	}
	if !e.cfg.Greeting {
		return out, nil
	}
	return e.greeting(CleanName(data.Name)) + "\n\n" + out, nil
}

// Validate checks that content parses as a template
func (e *Engine) Validate(content string) error {
	if !strings.Contains(content, "{{") {
		return nil
	}
	if _, err := textTemplate.New("message").Parse(content); err != nil {
		return fmt.Errorf("invalid message template: %w", err)
	}
	return nil
}

func (e *Engine) renderText(tmplStr string, data Data) (string, error) {
	t, err := textTemplate.New("message").Option("missingkey=zero").Parse(tmplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// spin resolves spintax groups from the innermost outwards
func (e *Engine) spin(s string) string {
	for i := 0; i < 16 && spintax.MatchString(s); i++ {
		s = spintax.ReplaceAllStringFunc(s, func(m string) string {
			options := strings.Split(m[1:len(m)-1], "|")
			return options[e.intn(len(options))]
		})
	}
	return s
}

func (e *Engine) intn(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rnd.IntN(n)
}

var greetings = []struct {
	from, to int
	options  []string
}{
	{5, 12, []string{"Selamat pagi", "Pagi", "Assalamualaikum"}},
	{12, 15, []string{"Selamat tengahari", "Salam", "Hi"}},
	{15, 19, []string{"Selamat petang", "Petang", "Salam"}},
}

var nightGreetings = []string{"Selamat malam", "Malam", "Maaf ganggu", "Pinjam masa"}

func (e *Engine) greeting(name string) string {
	hour := e.now().In(e.cfg.Location).Hour()
	options := nightGreetings
	for _, g := range greetings {
		if hour >= g.from && hour < g.to {
			options = g.options
			break
		}
	}
	return options[e.intn(len(options))] + " " + name + ","
}

// CleanName keeps the letters and spaces of a name. Names that end up empty
// become DefaultName.
func CleanName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	cleaned := strings.Join(strings.Fields(b.String()), " ")
	if cleaned == "" {
		return DefaultName
	}
	return cleaned
}
