package registry

import "strings"

// friendlyNames maps a lowercased executable stem to a human-friendly
// application name (spec §4.6 step 2). The table covers common desktop and
// server processes; anything absent falls back to the root-parent process
// name, title-cased.
var friendlyNames = map[string]string{
	"chrome":          "Google Chrome",
	"firefox":         "Firefox",
	"safari":          "Safari",
	"msedge":          "Microsoft Edge",
	"code":            "Visual Studio Code",
	"slack":           "Slack",
	"spotify":         "Spotify",
	"zoom":            "Zoom",
	"discord":         "Discord",
	"dockerd":         "Docker",
	"com.docker.backend": "Docker Desktop",
	"ssh":             "SSH",
	"sshd":            "SSH",
	"curl":            "curl",
	"wget":            "wget",
	"python3":         "Python",
	"python":          "Python",
	"node":            "Node.js",
	"java":            "Java",
	"systemd":         "systemd",
	"nginx":           "nginx",
}

// friendlyNameFor returns the friendly name for execStem if known.
func friendlyNameFor(execStem string) (string, bool) {
	name, ok := friendlyNames[strings.ToLower(execStem)]
	return name, ok
}

// titleCase upper-cases the first letter of each whitespace-separated word,
// lower-casing the rest. It is a small stand-in for strings.Title (deprecated
// since Go 1.18) scoped to the ASCII process-name case this package needs.
func titleCase(s string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		if f == "" {
			continue
		}
		r := []rune(strings.ToLower(f))
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		fields[i] = string(r)
	}
	return strings.Join(fields, " ")
}

// slugify lowercases s and replaces whitespace runs with "-", per spec §4.6
// ("slug is the app name lowercased with whitespace replaced by '-'").
func slugify(s string) string {
	s = strings.ToLower(s)
	fields := strings.Fields(s)
	return strings.Join(fields, "-")
}
