package template

import (
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"strings"
)

// Kind selects the service manager a descriptor is rendered for
type Kind string

const (
	KindSystemd Kind = "systemd"
	KindLaunchd Kind = "launchd"
)

// Vars are the values substituted into a descriptor
type Vars struct {
	ExecPath    string `json:"exec_path"`
	ScriptPath  string `json:"script_path"`
	User        string `json:"user"`
	Group       string `json:"group"`
	LogPath     string `json:"log_path"`
	WorkDir     string `json:"work_dir"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// tokens maps placeholder names to their values
func (v Vars) tokens() map[string]string {
	desc := v.Description
	if desc == "" {
		desc = "dbhelm helper daemon"
	}
	return map[string]string{
		"EXEC_PATH":   v.ExecPath,
		"SCRIPT_PATH": v.ScriptPath,
		"USER":        v.User,
		"GROUP":       v.Group,
		"LOG_PATH":    v.LogPath,
		"WORKDIR":     v.WorkDir,
		"LABEL":       v.Label,
		"DESCRIPTION": desc,
	}
}

const systemdUnit = `[Unit]
Description={{DESCRIPTION}}
After=network.target

[Service]
Type=simple
ExecStart={{EXEC_PATH}} helper run --config {{SCRIPT_PATH}}
WorkingDirectory={{WORKDIR}}
User={{USER}}
Group={{GROUP}}
Restart=on-failure
RestartSec=2
StandardOutput=append:{{LOG_PATH}}
StandardError=append:{{LOG_PATH}}

[Install]
WantedBy=multi-user.target
`

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{LABEL}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{EXEC_PATH}}</string>
		<string>helper</string>
		<string>run</string>
		<string>--config</string>
		<string>{{SCRIPT_PATH}}</string>
	</array>
	<key>WorkingDirectory</key>
	<string>{{WORKDIR}}</string>
	<key>UserName</key>
	<string>{{USER}}</string>
	<key>GroupName</key>
	<string>{{GROUP}}</string>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
	<key>StandardOutPath</key>
	<string>{{LOG_PATH}}</string>
	<key>StandardErrorPath</key>
	<string>{{LOG_PATH}}</string>
</dict>
</plist>
`

var placeholder = regexp.MustCompile(`\{\{([A-Z_]+)\}\}`)

// Generator renders service descriptors
type Generator struct {
	templates map[Kind]string
}

// NewGenerator creates a generator with the built-in descriptors
func NewGenerator() *Generator {
	return &Generator{templates: map[Kind]string{
		KindSystemd: systemdUnit,
		KindLaunchd: launchdPlist,
	}}
}

// Register overrides or adds the template used for kind
func (g *Generator) Register(kind Kind, tmpl string) {
	g.templates[kind] = tmpl
}

// Render substitutes vars into the descriptor for kind
func (g *Generator) Render(kind Kind, vars Vars) ([]byte, error) {
	tmpl, ok := g.templates[kind]
	if !ok {
		return nil, fmt.Errorf("unknown descriptor kind: %s (supported: %s)", kind, strings.Join(g.GetSupportedKinds(), ", "))
	}
	if vars.ExecPath == "" {
		return nil, fmt.Errorf("exec path is required")
	}
	values := vars.tokens()
	if kind == KindLaunchd {
		for k, v := range values {
			values[k] = escapeXML(v)
		}
	}

	var unknown []string
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := values[name]
		if !ok {
			unknown = append(unknown, name)
			return m
		}
		return v
	})
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown placeholders in %s template: %s", kind, strings.Join(unknown, ", "))
	}
	return []byte(out), nil
}

// GetSupportedKinds returns the registered descriptor kinds
func (g *Generator) GetSupportedKinds() []string {
	kinds := []string{string(KindSystemd), string(KindLaunchd)}
	var extra []string
	for k := range g.templates {
		if k != KindSystemd && k != KindLaunchd {
			extra = append(extra, string(k))
		}
	}
	sort.Strings(extra)
	return append(kinds, extra...)
}

// DefaultKind returns the service manager of the running OS, or "" when
// none is supported.
func DefaultKind() Kind {
	switch runtime.GOOS {
	case "linux":
		return KindSystemd
	case "darwin":
		return KindLaunchd
	default:
		return ""
	}
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}
