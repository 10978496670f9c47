package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"
)

var (
	ErrUnsupported = errors.New("unsupported language")
	ErrInvalid     = errors.New("invalid input")
)

// maxCodeSize bounds submitted code before it is rendered.
const maxCodeSize = 1 << 20

// Runtime defines how a guest language is built, wrapped, and invoked.
type Runtime interface {
	// Name returns the canonical language identifier (e.g., "python").
	Name() string

	// DefaultVersion is the runtime version used when a request names none.
	DefaultVersion() string

	// Recipe renders the environment build recipe (a Dockerfile) for t.
	Recipe(t Template) (string, error)

	// Render produces the program text for code with scope bound as local
	// variables. On success the program prints marker followed by
	// {"returnValue": <json>} to stdout; on failure it prints
	// {"error": <message>} to stderr and exits non-zero.
	Render(code string, scope map[string]any, marker string) (string, error)

	// Command returns the interpreter argv for a program at codePath.
	Command(codePath string) []string

	// Env returns the environment passed to the guest process.
	Env() []string

	// FileExtension returns the file extension for program files (e.g., ".py").
	FileExtension() string

	// Validate is a cheap pre-check of code before any provisioning.
	Validate(code string) error

	// ValidatePackage rejects package specs the installer could misread.
	ValidatePackage(pkg string) error
}

// Template is the immutable environment description a session is built from.
type Template struct {
	Language string   `json:"language" yaml:"language"`
	Version  string   `json:"version" yaml:"version"`
	Packages []string `json:"packages,omitempty" yaml:"packages"`
}

// Key identifies templates that produce interchangeable environments.
func (t Template) Key() string {
	return t.Language + "@" + t.Version + "+" + strings.Join(t.Packages, ",")
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
	aliases  map[string]string
	defaults map[string]Template
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
		aliases:  make(map[string]string),
		defaults: make(map[string]Template),
	}
	r.Register(&PythonRuntime{}, "python3", "py")
	r.Register(&JavaScriptRuntime{}, "js", "node")
	return r
}

// Register adds a runtime under its name and any aliases.
func (r *Registry) Register(rt Runtime, aliases ...string) {
	r.runtimes[rt.Name()] = rt
	for _, a := range aliases {
		r.aliases[a] = rt.Name()
	}
	r.defaults[rt.Name()] = Template{Language: rt.Name(), Version: rt.DefaultVersion()}
}

// SetDefault overrides the version and packages used when a request for
// language leaves them empty.
func (r *Registry) SetDefault(language, version string, packages []string) error {
	rt, err := r.Get(language)
	if err != nil {
		return err
	}
	if version == "" {
		version = rt.DefaultVersion()
	}
	t, err := r.check(rt, version, packages)
	if err != nil {
		return err
	}
	r.defaults[rt.Name()] = t
	return nil
}

// Get returns the runtime for the given language or alias.
func (r *Registry) Get(language string) (Runtime, error) {
	name := strings.ToLower(strings.TrimSpace(language))
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupported, language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Resolve picks the runtime for language and completes a Template from the
// requested version and packages, falling back to the language defaults.
func (r *Registry) Resolve(language, version string, packages []string) (Runtime, Template, error) {
	rt, err := r.Get(language)
	if err != nil {
		return nil, Template{}, err
	}
	def := r.defaults[rt.Name()]
	if version == "" {
		version = def.Version
	}
	if packages == nil {
		packages = def.Packages
	}
	t, err := r.check(rt, version, packages)
	if err != nil {
		return nil, Template{}, err
	}
	return rt, t, nil
}

func (r *Registry) check(rt Runtime, version string, packages []string) (Template, error) {
	if !versionPattern.MatchString(version) {
		return Template{}, fmt.Errorf("%w: version %q", ErrInvalid, version)
	}
	pkgs := make([]string, 0, len(packages))
	for _, p := range packages {
		if err := rt.ValidatePackage(p); err != nil {
			return Template{}, err
		}
		pkgs = append(pkgs, p)
	}
	return Template{Language: rt.Name(), Version: version, Packages: pkgs}, nil
}

// Languages returns all canonical language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Defaults returns the default template of every registered language.
func (r *Registry) Defaults() []Template {
	out := make([]Template, 0, len(r.defaults))
	for _, name := range r.Languages() {
		out = append(out, r.defaults[name])
	}
	return out
}

var (
	versionPattern    = regexp.MustCompile(`^[0-9]+(\.[0-9]+){0,2}$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func validateCode(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("%w: empty code", ErrInvalid)
	}
	if len(code) > maxCodeSize {
		return fmt.Errorf("%w: code too large: %d bytes (max 1MB)", ErrInvalid, len(code))
	}
	if strings.IndexByte(code, 0) >= 0 {
		return fmt.Errorf("%w: code contains NUL byte", ErrInvalid)
	}
	return nil
}

// scopeBinding is one scope entry ready for rendering: a guest identifier
// and a guest string literal holding the value's JSON encoding.
type scopeBinding struct {
	Name    string
	Literal string
}

// bindScope checks scope keys against the guest's reserved words and
// encodes every value. Bindings come back sorted by name so rendering is
// deterministic.
func bindScope(scope map[string]any, reserved map[string]bool) ([]scopeBinding, error) {
	names := make([]string, 0, len(scope))
	for name := range scope {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]scopeBinding, 0, len(names))
	for _, name := range names {
		if !identifierPattern.MatchString(name) || strings.HasPrefix(name, "__") || reserved[name] {
			return nil, fmt.Errorf("%w: scope key %q is not a usable identifier", ErrInvalid, name)
		}
		lit, err := jsonLiteral(scope[name])
		if err != nil {
			return nil, fmt.Errorf("%w: scope value %q: %v", ErrInvalid, name, err)
		}
		out = append(out, scopeBinding{Name: name, Literal: lit})
	}
	return out, nil
}

// jsonLiteral encodes v as JSON and then quotes that text as a JSON string.
// JSON string syntax is valid string-literal syntax in both guest languages,
// so the guest decodes the value at runtime and never parses it as code.
func jsonLiteral(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return "", err
	}
	return string(quoted), nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

var recipeFuncs = template.FuncMap{
	// argv renders an exec-form instruction argument list.
	"argv": func(extra []string, cmd ...string) (string, error) {
		b, err := json.Marshal(append(cmd, extra...))
		return string(b), err
	},
}

func renderRecipe(tmpl *template.Template, t Template) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, t); err != nil {
		return "", fmt.Errorf("render %s recipe: %w", t.Language, err)
	}
	return sb.String(), nil
}
