package analysis

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/katiba-labs/katiba/pkg/errors"
)

// Rule marks a set of provisions as high risk. A bill that touches any of
// the rule's keywords is always flagged against the listed provisions, no
// matter how weak the text similarity is.
type Rule struct {
	Name       string   `yaml:"name"`
	Reason     string   `yaml:"reason"`
	Provisions []string `yaml:"provisions"`
	Keywords   []string `yaml:"keywords"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Ruleset holds the high-risk rule table and reloads it when the backing
// file changes. Readers always see a complete table; a file that fails to
// parse leaves the previous table in place.
type Ruleset struct {
	log  *zap.Logger
	path string

	mu    sync.RWMutex
	rules []Rule
}

// NewRuleset loads the rule table from path.
func NewRuleset(log *zap.Logger, path string) (*Ruleset, error) {
	rs := &Ruleset{log: log, path: path}
	if err := rs.load(); err != nil {
		return nil, err
	}
	return rs, nil
}

// Rules returns the current rule table.
func (rs *Ruleset) Rules() []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.rules
}

// MatchBill returns the rules whose keywords appear in the bill text.
func (rs *Ruleset) MatchBill(billText string) []Rule {
	text := strings.ToLower(billText)
	var matched []Rule
	for _, rule := range rs.Rules() {
		for _, kw := range rule.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				matched = append(matched, rule)
				break
			}
		}
	}
	return matched
}

// Watch reloads the table on file changes until ctx is cancelled. Events
// are debounced because editors fire several writes per save.
func (rs *Ruleset) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating rules watcher")
	}
	if err := watcher.Add(rs.path); err != nil {
		watcher.Close()
		return errors.Wrap(err, "watching rules file")
	}

	go func() {
		defer watcher.Close()

		debounce := time.NewTimer(0)
		<-debounce.C
		pending := false

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				debounce.Reset(500 * time.Millisecond)
				pending = true
			case <-debounce.C:
				if !pending {
					continue
				}
				pending = false
				if err := rs.load(); err != nil {
					rs.log.Error("Failed to reload analysis rules, keeping previous table",
						zap.String("path", rs.path), zap.Error(err))
					continue
				}
				rs.log.Info("Reloaded analysis rules",
					zap.String("path", rs.path), zap.Int("rules", len(rs.Rules())))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				rs.log.Warn("Rules watcher error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (rs *Ruleset) load() error {
	raw, err := os.ReadFile(rs.path)
	if err != nil {
		return errors.Wrap(err, "reading rules file")
	}
	var parsed ruleFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return errors.Wrap(err, "parsing rules file")
	}
	for _, rule := range parsed.Rules {
		if rule.Name == "" || len(rule.Provisions) == 0 {
			return errors.New("rule needs a name and at least one provision: " + rule.Name)
		}
	}
	rs.mu.Lock()
	rs.rules = parsed.Rules
	rs.mu.Unlock()
	return nil
}
