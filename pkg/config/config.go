package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config is a parsed host configuration with access tracking, so options
// nobody read can be reported as typos at startup.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessedSections map[string]struct{}
}

// New creates an empty Config.
func New() *Config {
	return &Config{
		sections:         make(map[string]*Section),
		accessedSections: make(map[string]struct{}),
	}
}

// Load reads a configuration file. [include path] headers pull in other
// files relative to the including file; glob patterns are allowed.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.parseFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses configuration text. Include headers are resolved
// against the working directory.
func LoadString(data string) (*Config, error) {
	c := New()
	p := &parser{cfg: c, name: "<string>", dir: ".", visited: make(map[string]bool)}
	if err := p.parse(strings.NewReader(data)); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	p := &parser{cfg: c, name: path, dir: filepath.Dir(abs), visited: visited}
	return p.parse(f)
}

// parser holds the state of one file. Options whose value spans several
// lines (gcode scripts) continue on indented lines.
type parser struct {
	cfg     *Config
	name    string
	dir     string
	visited map[string]bool

	section string
	options map[string]string
	lastKey string
}

func (p *parser) flush() {
	if p.section != "" {
		p.cfg.addSection(p.section, p.options)
	}
	p.section, p.options, p.lastKey = "", nil, ""
}

func (p *parser) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Text()
		line := stripComment(strings.TrimSpace(raw))
		if line == "" {
			continue
		}

		indented := raw[0] == ' ' || raw[0] == '\t'
		if indented && p.lastKey != "" {
			prev := p.options[p.lastKey]
			if prev == "" {
				p.options[p.lastKey] = line
			} else {
				p.options[p.lastKey] = prev + "\n" + line
			}
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			p.flush()
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return fmt.Errorf("config: empty section header at line %d in %s", lineNum, p.name)
			}
			if strings.HasPrefix(header, "include ") {
				if err := p.include(strings.TrimSpace(header[8:]), lineNum); err != nil {
					return err
				}
				continue
			}
			p.section = header
			p.options = make(map[string]string)
			continue
		}

		if p.section == "" {
			continue
		}

		key, value, ok := splitOption(line)
		if !ok {
			return fmt.Errorf("config: malformed line %d in %s: %q", lineNum, p.name, line)
		}
		p.options[strings.ToLower(key)] = value
		p.lastKey = strings.ToLower(key)
	}
	p.flush()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", p.name, err)
	}
	return nil
}

func (p *parser) include(spec string, lineNum int) error {
	if spec == "" {
		return fmt.Errorf("config: empty include at line %d in %s", lineNum, p.name)
	}
	glob := filepath.Join(p.dir, spec)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return fmt.Errorf("config: invalid include pattern %q: %w", spec, err)
	}
	sort.Strings(matches)
	if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
		return fmt.Errorf("config: include file does not exist: %s", glob)
	}
	for _, m := range matches {
		if err := p.cfg.parseFile(m, p.visited); err != nil {
			return err
		}
	}
	return nil
}

// stripComment removes '#' and ';' comments. Lines written back by the
// firmware's save mechanism carry a "#*#" prefix and are kept.
func stripComment(line string) string {
	if strings.HasPrefix(line, "#*#") {
		return strings.TrimSpace(line[3:])
	}
	if idx := strings.IndexAny(line, "#;"); idx >= 0 {
		return strings.TrimSpace(line[:idx])
	}
	return line
}

// splitOption accepts "key: value" and "key = value", whichever
// separator comes first.
func splitOption(line string) (string, string, bool) {
	idx := strings.IndexAny(line, ":=")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:idx])
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(line[idx+1:]), true
}

func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[k] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns the named section and marks it accessed.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if !ok {
		return nil, errMissingSection(name)
	}
	c.accessedSections[name] = struct{}{}
	return sec, nil
}

// GetSectionOptional returns the named section or nil.
func (c *Config) GetSectionOptional(name string) *Section {
	sec, err := c.GetSection(name)
	if err != nil {
		return nil
	}
	return sec
}

// HasSection reports whether the section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// CheckUnusedOptions reports the first option of an accessed section that
// no getter consumed. Unaccessed sections belong to other subsystems and
// are ignored.
func (c *Config) CheckUnusedOptions() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, name := range c.order {
		if _, ok := c.accessedSections[name]; !ok {
			continue
		}
		if unused := c.sections[name].GetUnusedOptions(); len(unused) > 0 {
			return errUnusedOption(name, unused[0])
		}
	}
	return nil
}
