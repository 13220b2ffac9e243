// Package profile loads agent profiles: YAML documents that describe how to
// launch and babysit one kind of CLI agent (command, argv, submit sequence,
// idle and waiting detection).
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

/// Duration is a YAML-friendly duration: profiles may give either a Go
// duration string ("3s", "500ms") or a bare number of seconds (0.2).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. The node tag decides the form:
// bare numerics would otherwise also decode as strings and never reach the
// seconds branch.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	switch node.Tag {
	case "!!int", "!!float":
		var seconds float64
		if err := node.Decode(&seconds); err != nil {
			return fmt.Errorf("invalid duration value %q", node.Value)
		}
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	default:
		var s string
		if err := node.Decode(&s); err != nil {
			return fmt.Errorf("invalid duration value")
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// IdleDetection mirrors the idle_detection profile block.
type IdleDetection struct {
	Strategy   string   `yaml:"strategy"`
	Pattern    string   `yaml:"pattern,omitempty"`
	PatternUse string   `yaml:"pattern_use,omitempty"`
	Timeout    Duration `yaml:"timeout,omitempty"`
}

// WaitingDetection mirrors the waiting_detection profile block.
type WaitingDetection struct {
	Regex string `yaml:"regex"`
}

// Profile describes one agent type.
type Profile struct {
	Name           string            `yaml:"name,omitempty"`
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args,omitempty"`
	SubmitSequence string            `yaml:"submit_sequence,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	IdleDetection  IdleDetection     `yaml:"idle_detection,omitempty"`

	// IdleRegex is the legacy top-level form, folded into IdleDetection as
	// a pattern strategy when idle_detection is absent.
	IdleRegex string `yaml:"idle_regex,omitempty"`

	WaitingDetection *WaitingDetection `yaml:"waiting_detection,omitempty"`
}

// builtinDirs are searched, in order, when a profile is named rather than
// given as a path.
func builtinDirs() []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".synapse", "profiles"))
	}
	dirs = append(dirs, "/etc/synapse/profiles")
	return dirs
}

// Load resolves a profile by name or path. A ref containing a path separator
// or a .yaml/.yml suffix is treated as a file path; otherwise the profile
// directories are searched for <ref>.yaml.
func Load(ref string) (*Profile, error) {
	if ref == "" {
		return nil, fmt.Errorf("profile name or path is required")
	}

	path := ref
	if !isPathRef(ref) {
		found, err := findNamed(ref)
		if err != nil {
			return nil, err
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := p.normalize(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return &p, nil
}

func isPathRef(ref string) bool {
	return strings.ContainsRune(ref, os.PathSeparator) ||
		strings.HasSuffix(ref, ".yaml") || strings.HasSuffix(ref, ".yml")
}

func findNamed(name string) (string, error) {
	dirs := builtinDirs()
	for _, dir := range dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			candidate := filepath.Join(dir, name+ext)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("profile %q not found in %s", name, strings.Join(dirs, ", "))
}

// normalize validates the profile and applies defaults and backward-compat
// rewrites.
func (p *Profile) normalize() error {
	if p.Command == "" {
		return fmt.Errorf("command is required")
	}

	if p.SubmitSequence == "" {
		p.SubmitSequence = "\n"
	} else {
		p.SubmitSequence = DecodeEscapes(p.SubmitSequence)
	}

	// Legacy profiles declare a bare idle_regex instead of idle_detection.
	if p.IdleDetection.Strategy == "" && p.IdleRegex != "" {
		p.IdleDetection = IdleDetection{
			Strategy: "pattern",
			Pattern:  p.IdleRegex,
		}
	}
	if p.IdleDetection.Strategy == "" {
		p.IdleDetection.Strategy = "timeout"
	}
	if p.IdleDetection.Timeout <= 0 {
		p.IdleDetection.Timeout = Duration(2 * time.Second)
	}

	return nil
}

// DecodeEscapes interprets the escape sequences profiles use in
// submit_sequence literals: \n, \r, \t, \e (escape) and \\.
func DecodeEscapes(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			sb.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case 'e':
			sb.WriteByte(0x1b)
		case '\\':
			sb.WriteByte('\\')
		default:
			sb.WriteByte('\\')
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
