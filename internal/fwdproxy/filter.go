package fwdproxy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Blacklist blocks targets by plain substring containment. It is immutable
// after LoadBlacklist.
type Blacklist struct {
	rules []string
}

type blacklistFile struct {
	Blacklist []string `yaml:"blacklist"`
}

func NewBlacklist(rules ...string) *Blacklist {
	b := &Blacklist{}
	for _, r := range rules {
		// an empty rule would match every target
		if r = strings.TrimSpace(r); r != "" {
			b.rules = append(b.rules, r)
		}
	}
	return b
}

// LoadBlacklist reads {"blacklist": [...]} from path (JSON or YAML) and
// appends the inline rules. A missing file is an empty list.
func LoadBlacklist(path string, inline []string) (*Blacklist, error) {
	rules := append([]string(nil), inline...)
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			var f blacklistFile
			if err := yaml.Unmarshal(b, &f); err != nil {
				return nil, fmt.Errorf("blacklist %s: %w", path, err)
			}
			rules = append(f.Blacklist, rules...)
		}
	}
	return NewBlacklist(rules...), nil
}

func (b *Blacklist) IsBlocked(url, host string) bool {
	for _, r := range b.rules {
		if strings.Contains(host, r) || strings.Contains(url, r) {
			return true
		}
	}
	return false
}

func (b *Blacklist) Len() int { return len(b.rules) }
