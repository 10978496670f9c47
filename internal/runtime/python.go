package runtime

import (
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// PythonRuntime configures execution of Python code.
type PythonRuntime struct{}

var pythonRecipe = template.Must(template.New("python").Funcs(recipeFuncs).Parse(`FROM docker.io/library/python:{{.Version}}-slim-bookworm
RUN apt-get update \
 && apt-get install -y --no-install-recommends nsjail \
 && rm -rf /var/lib/apt/lists/*
{{- if .Packages}}
RUN {{argv .Packages "pip3" "install" "--no-cache-dir" "--disable-pip-version-check"}}
{{- end}}
ENV PYTHONDONTWRITEBYTECODE=1
CMD ["sleep", "infinity"]
`))

var pythonReserved = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true,
	"assert": true, "async": true, "await": true, "break": true, "class": true,
	"continue": true, "def": true, "del": true, "elif": true, "else": true,
	"except": true, "finally": true, "for": true, "from": true, "global": true,
	"if": true, "import": true, "in": true, "is": true, "lambda": true,
	"nonlocal": true, "not": true, "or": true, "pass": true, "raise": true,
	"return": true, "try": true, "while": true, "with": true, "yield": true,
}

// pip requirement: name, optional extras, optional single version clause.
var pipPackagePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(\[[A-Za-z0-9._,-]+\])?((==|>=|<=|~=|!=|<|>)[A-Za-z0-9.*+!_-]+)?$`)

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) DefaultVersion() string { return "3.12" }

func (p *PythonRuntime) Recipe(t Template) (string, error) {
	return renderRecipe(pythonRecipe, t)
}

// Render never re-indents caller code. The code travels as a string literal,
// is parsed with ast at run time and spliced into the body of a function
// whose first statements bind the scope, so the interpreter sees the
// caller's text byte for byte.
func (p *PythonRuntime) Render(code string, scope map[string]any, marker string) (string, error) {
	bindings, err := bindScope(scope, pythonReserved)
	if err != nil {
		return "", err
	}

	var header strings.Builder
	header.WriteString("def __safe_eval_main():\n")
	for _, b := range bindings {
		fmt.Fprintf(&header, "    %s = __safe_eval_json.loads(%s)\n", b.Name, b.Literal)
	}
	header.WriteString("    pass\n")

	var sb strings.Builder
	sb.WriteString("import ast as __safe_eval_ast\n")
	sb.WriteString("import json as __safe_eval_json\n")
	sb.WriteString("import sys as __safe_eval_sys\n\n")
	fmt.Fprintf(&sb, "__safe_eval_header = %s\n", quote(header.String()))
	fmt.Fprintf(&sb, "__safe_eval_source = %s\n\n", quote(code))
	sb.WriteString("try:\n")
	sb.WriteString("    __safe_eval_tree = __safe_eval_ast.parse(__safe_eval_header, \"<code>\")\n")
	sb.WriteString("    __safe_eval_tree.body[0].body.extend(__safe_eval_ast.parse(__safe_eval_source, \"<code>\").body)\n")
	sb.WriteString("    exec(compile(__safe_eval_tree, \"<code>\", \"exec\"))\n")
	sb.WriteString("    __safe_eval_result = __safe_eval_main()\n")
	sb.WriteString("except Exception as __safe_eval_err:\n")
	sb.WriteString("    __safe_eval_sys.stderr.write(__safe_eval_json.dumps({\"error\": str(__safe_eval_err) or type(__safe_eval_err).__name__}) + \"\\n\")\n")
	sb.WriteString("    __safe_eval_sys.exit(1)\n")
	fmt.Fprintf(&sb, "__safe_eval_sys.stdout.write(%s + __safe_eval_json.dumps({\"returnValue\": __safe_eval_result}, default=str) + \"\\n\")\n", quote(marker))
	sb.WriteString("__safe_eval_sys.stdout.flush()\n")
	return sb.String(), nil
}

func (p *PythonRuntime) Command(codePath string) []string {
	return []string{
		"/usr/local/bin/python3", "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		codePath,
	}
}

func (p *PythonRuntime) Env() []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=C.UTF-8",
		"PYTHONIOENCODING=utf-8",
		"PYTHONDONTWRITEBYTECODE=1",
	}
}

func (p *PythonRuntime) FileExtension() string { return ".py" }

func (p *PythonRuntime) Validate(code string) error {
	return validateCode(code)
}

func (p *PythonRuntime) ValidatePackage(pkg string) error {
	if !pipPackagePattern.MatchString(pkg) {
		return fmt.Errorf("%w: python package %q", ErrInvalid, pkg)
	}
	return nil
}
