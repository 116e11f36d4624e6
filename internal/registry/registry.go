// Package registry holds the immutable, configuration-declared set of
// scripts jobctl is allowed to run. It compiles each script's argument
// regex once at load time, the way the teacher's CommandValidator
// precomputes its allow/deny tables once at construction rather than per
// call.
package registry

import (
	"fmt"
	"regexp"

	"github.com/jsturma/jobctl/pkg/config"
)

// Entry is one compiled script registry entry (§3 "Script registry entry").
type Entry struct {
	ID            string
	Path          string
	DefaultMode   string // "" if the script does not override runner.defaultMode
	TimeoutSec    int
	MaxItems      int
	ItemMaxLength int
	ItemPattern   *regexp.Regexp // nil iff the script declares no pattern constraint
}

// Registry is the immutable mapping from scriptId to Entry.
type Registry struct {
	entries map[string]Entry
}

// Load compiles every script in cfg.Scripts into a Registry. cfg is assumed
// to have already passed config.Config.Validate, so regex compilation here
// cannot fail; Load still returns an error defensively rather than panicking.
func Load(cfg *config.Config) (*Registry, error) {
	entries := make(map[string]Entry, len(cfg.Scripts))
	for _, s := range cfg.Scripts {
		entry := Entry{
			ID:            s.ID,
			Path:          s.Path,
			DefaultMode:   s.Mode,
			TimeoutSec:    s.TimeoutSec,
			MaxItems:      s.Args.MaxItems,
			ItemMaxLength: s.Args.ItemMaxLength,
		}
		if s.Args.ItemPattern != "" {
			re, err := regexp.Compile(s.Args.ItemPattern)
			if err != nil {
				return nil, fmt.Errorf("script %q: compiling itemPattern: %w", s.ID, err)
			}
			entry.ItemPattern = re
		}
		entries[s.ID] = entry
	}
	return &Registry{entries: entries}, nil
}

// Get resolves a scriptId to its Entry.
func (r *Registry) Get(scriptID string) (Entry, bool) {
	e, ok := r.entries[scriptID]
	return e, ok
}

// Len returns the number of registered scripts.
func (r *Registry) Len() int {
	return len(r.entries)
}
