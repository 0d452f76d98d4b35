package deps

import (
	"bufio"
	"context"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/synacktraa/cillow/pkg/log"
	"github.com/synacktraa/cillow/pkg/pyenv"
)

// distributionAliases maps import names whose installable distribution is
// spelled differently. Best effort: anything not listed installs under its
// import name, and a wrong guess surfaces as the installer's own failure.
var distributionAliases = map[string]string{
	"PIL":      "pillow",
	"bs4":      "beautifulsoup4",
	"cv2":      "opencv-python",
	"dateutil": "python-dateutil",
	"dotenv":   "python-dotenv",
	"sklearn":  "scikit-learn",
	"yaml":     "pyyaml",
}

var (
	importRE = regexp.MustCompile(`^import\s+(.+)$`)
	fromRE   = regexp.MustCompile(`^from\s+([A-Za-z_][\w.]*)\s+import\b`)
)

// Inspector discovers the unresolved dependencies of a source string for a
// target environment.
type Inspector struct {
	logger zerolog.Logger

	// probe filters names down to the ones the environment cannot import.
	// Replaced in tests.
	probe func(ctx context.Context, python string, names []string) ([]string, error)
}

// NewInspector creates an inspector.
func NewInspector() *Inspector {
	return &Inspector{
		logger: log.WithComponent("deps"),
		probe:  probeEnvironment,
	}
}

// Inspect returns the installable distribution names for every top-level
// import in source that the environment cannot already resolve. It never
// fails on malformed source: dependency inspection must not keep a
// legitimate execution error from surfacing through the normal path.
func (i *Inspector) Inspect(ctx context.Context, env *pyenv.Env, source string) []string {
	candidates := i.scan(source)
	if len(candidates) == 0 {
		return nil
	}

	missing, err := i.probe(ctx, env.Python, candidates)
	if err != nil {
		// Best effort: fall back to the static set. The install may be
		// redundant but execution still decides the outcome.
		i.logger.Warn().Err(err).Msg("environment probe failed, using static import set")
		missing = candidates
	}

	out := make([]string, 0, len(missing))
	for _, name := range missing {
		if dist, ok := distributionAliases[name]; ok {
			name = dist
		}
		out = append(out, name)
	}
	return out
}

// scan extracts top-level imported module names: column-0 import/from
// statements only, dotted suffixes stripped, relative imports and standard
// library names dropped. Lines that do not parse are skipped.
func (i *Inspector) scan(source string) []string {
	seen := map[string]struct{}{}
	var names []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		// "a.b.c as x" / "a.b.c" -> "a"
		if idx := strings.IndexAny(name, " \t"); idx >= 0 {
			name = name[:idx]
		}
		if dot := strings.IndexByte(name, '.'); dot >= 0 {
			name = name[:dot]
		}
		if name == "" || !isIdentifier(name) || IsStdlib(name) {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	sc := bufio.NewScanner(strings.NewReader(source))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if m := fromRE.FindStringSubmatch(line); m != nil {
			add(m[1])
			continue
		}
		if m := importRE.FindStringSubmatch(line); m != nil {
			for _, part := range strings.Split(m[1], ",") {
				add(part)
			}
		}
	}
	sort.Strings(names)
	return names
}

func isIdentifier(s string) bool {
	for idx, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if idx == 0 {
				return false
			}
		default:
			return false
		}
	}
	return s != ""
}

// probeScript prints every argv name the interpreter cannot locate, one per
// line. find_spec failures count as missing rather than aborting the probe.
const probeScript = `import importlib.util, sys
for name in sys.argv[1:]:
    try:
        spec = importlib.util.find_spec(name)
    except Exception:
        spec = None
    if spec is None:
        print(name)
`

func probeEnvironment(ctx context.Context, python string, names []string) ([]string, error) {
	args := append([]string{"-c", probeScript}, names...)
	out, err := exec.CommandContext(ctx, python, args...).Output()
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			missing = append(missing, line)
		}
	}
	return missing, nil
}
