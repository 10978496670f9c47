package runtime

import (
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// JavaScriptRuntime configures execution of JavaScript code on Node.js.
type JavaScriptRuntime struct{}

var javascriptRecipe = template.Must(template.New("javascript").Funcs(recipeFuncs).Parse(`FROM docker.io/library/node:{{.Version}}-bookworm-slim
RUN apt-get update \
 && apt-get install -y --no-install-recommends nsjail \
 && rm -rf /var/lib/apt/lists/*
WORKDIR /opt/guest
{{- if .Packages}}
RUN {{argv .Packages "npm" "install" "--no-audit" "--no-fund" "--ignore-scripts"}}
{{- end}}
ENV NODE_PATH=/opt/guest/node_modules
CMD ["sleep", "infinity"]
`))

var javascriptReserved = map[string]bool{
	"break": true, "case": true, "catch": true, "class": true, "const": true,
	"continue": true, "debugger": true, "default": true, "delete": true,
	"do": true, "else": true, "enum": true, "export": true, "extends": true,
	"false": true, "finally": true, "for": true, "function": true, "if": true,
	"implements": true, "import": true, "in": true, "instanceof": true,
	"interface": true, "let": true, "new": true, "null": true, "package": true,
	"private": true, "protected": true, "public": true, "return": true,
	"static": true, "super": true, "switch": true, "this": true, "throw": true,
	"true": true, "try": true, "typeof": true, "var": true, "void": true,
	"while": true, "with": true, "yield": true, "await": true, "async": true,
	"arguments": true, "eval": true, "undefined": true, "NaN": true,
	"Infinity": true,
}

// npm spec: optional scope, name, optional @version or range.
var npmPackagePattern = regexp.MustCompile(`^(@[a-z0-9][a-z0-9._~-]*/)?[a-z0-9][a-z0-9._~-]*(@[A-Za-z0-9.^~<>=*+_-]+)?$`)

func (j *JavaScriptRuntime) Name() string { return "javascript" }

func (j *JavaScriptRuntime) DefaultVersion() string { return "20" }

func (j *JavaScriptRuntime) Recipe(t Template) (string, error) {
	return renderRecipe(javascriptRecipe, t)
}

func (j *JavaScriptRuntime) Render(code string, scope map[string]any, marker string) (string, error) {
	bindings, err := bindScope(scope, javascriptReserved)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("(async () => {\n")
	for _, b := range bindings {
		fmt.Fprintf(&sb, "  let %s = JSON.parse(%s);\n", b.Name, b.Literal)
	}
	sb.WriteString(strings.ReplaceAll(code, "\r\n", "\n"))
	sb.WriteString("\n})().then(\n")
	sb.WriteString("  (value) => {\n")
	fmt.Fprintf(&sb, "    process.stdout.write(%s + JSON.stringify({ returnValue: value === undefined ? null : value }) + \"\\n\");\n", quote(marker))
	sb.WriteString("  },\n")
	sb.WriteString("  (err) => {\n")
	sb.WriteString("    const message = err && err.message ? String(err.message) : String(err);\n")
	sb.WriteString("    process.stderr.write(JSON.stringify({ error: message }) + \"\\n\");\n")
	sb.WriteString("    process.exitCode = 1;\n")
	sb.WriteString("  },\n")
	sb.WriteString(").catch((err) => {\n")
	sb.WriteString("  process.stderr.write(JSON.stringify({ error: String(err && err.message ? err.message : err) }) + \"\\n\");\n")
	sb.WriteString("  process.exitCode = 1;\n")
	sb.WriteString("});\n")
	return sb.String(), nil
}

func (j *JavaScriptRuntime) Command(codePath string) []string {
	return []string{
		"/usr/local/bin/node",
		"--max-old-space-size=256",                // Limit V8 heap
		"--disallow-code-generation-from-strings", // Block eval()
		codePath,
	}
}

func (j *JavaScriptRuntime) Env() []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=C.UTF-8",
		"NODE_PATH=/opt/guest/node_modules",
	}
}

func (j *JavaScriptRuntime) FileExtension() string { return ".js" }

func (j *JavaScriptRuntime) Validate(code string) error {
	return validateCode(code)
}

func (j *JavaScriptRuntime) ValidatePackage(pkg string) error {
	if !npmPackagePattern.MatchString(pkg) {
		return fmt.Errorf("%w: javascript package %q", ErrInvalid, pkg)
	}
	return nil
}
