package interceptor

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Class is the caching policy a request falls under.
type Class string

const (
	ClassPassthrough Class = "passthrough"
	ClassStatic      Class = "static"
	ClassAPIRead     Class = "api_read"
	ClassAPIWrite    Class = "api_write"
	ClassNavigation  Class = "navigation"
)

// Rule matches requests by path and method. Class "api" expands to api_read
// or api_write depending on the method.
type Rule struct {
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Class    string   `json:"class" yaml:"class"`
	Prefix   string   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Suffixes []string `json:"suffixes,omitempty" yaml:"suffixes,omitempty"`
	Methods  []string `json:"methods,omitempty" yaml:"methods,omitempty"`
}

// RouteTable is the classification config of the interceptor.
type RouteTable struct {
	Version string `json:"version" yaml:"version"`

	// AppShell is served for navigations when the network is down.
	AppShell string `json:"app_shell" yaml:"app_shell"`

	// APIPrefix is where resource collections live, e.g. "/api/".
	APIPrefix string `json:"api_prefix" yaml:"api_prefix"`

	// Precache is fetched into the static partition on install.
	Precache []string `json:"precache,omitempty" yaml:"precache,omitempty"`

	Rules []Rule `json:"rules" yaml:"rules"`
}

//go:embed routes.yaml
var defaultRoutes []byte

// DefaultRouteTable returns the built-in table.
func DefaultRouteTable() *RouteTable {
	t, err := ParseRouteTable(defaultRoutes, "yaml")
	if err != nil {
		panic(fmt.Sprintf("interceptor: built-in routes: %v", err))
	}
	return t
}

// LoadRouteTable reads a YAML or JSON route table.
func LoadRouteTable(path string) (*RouteTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route table %s: %w", path, err)
	}
	return ParseRouteTable(data, detectFormat(path))
}

// ParseRouteTable parses raw bytes in the given format.
func ParseRouteTable(data []byte, format string) (*RouteTable, error) {
	var t RouteTable
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to parse YAML route table: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to parse JSON route table: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported route table format: %s", format)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func detectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// Validate checks rule classes and fills the API prefix default.
func (t *RouteTable) Validate() error {
	if t.APIPrefix == "" {
		t.APIPrefix = "/api/"
	}
	if !strings.HasSuffix(t.APIPrefix, "/") {
		t.APIPrefix += "/"
	}
	for i, r := range t.Rules {
		switch r.Class {
		case "api", string(ClassStatic), string(ClassNavigation), string(ClassPassthrough),
			string(ClassAPIRead), string(ClassAPIWrite):
		default:
			return fmt.Errorf("rule %d (%s): unknown class %q", i, r.Name, r.Class)
		}
		if r.Prefix == "" && len(r.Suffixes) == 0 && len(r.Methods) == 0 {
			return fmt.Errorf("rule %d (%s): needs a prefix, suffixes or methods", i, r.Name)
		}
	}
	return nil
}

// Classify returns the class of req. The first matching rule wins; an
// unmatched GET asking for HTML is a navigation.
func (t *RouteTable) Classify(req *http.Request) Class {
	path := req.URL.Path
	for _, r := range t.Rules {
		if !r.matches(req.Method, path) {
			continue
		}
		if r.Class == "api" {
			if isRead(req.Method) {
				return ClassAPIRead
			}
			return ClassAPIWrite
		}
		return Class(r.Class)
	}
	if req.Method == http.MethodGet && (req.Header.Get("Sec-Fetch-Mode") == "navigate" ||
		strings.Contains(req.Header.Get("Accept"), "text/html")) {
		return ClassNavigation
	}
	return ClassPassthrough
}

func (r Rule) matches(method, path string) bool {
	if r.Prefix != "" && !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	if len(r.Suffixes) > 0 {
		ok := false
		for _, s := range r.Suffixes {
			if strings.HasSuffix(path, s) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(r.Methods) > 0 {
		ok := false
		for _, m := range r.Methods {
			if strings.EqualFold(m, method) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
