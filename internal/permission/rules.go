package permission

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Loader reads permission rules from a YAML file and can watch it for
// changes, so operators can adjust policy without a restart.
type Loader struct {
	path    string
	mu      sync.RWMutex
	current []Rule
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewLoader loads the rules file once and returns a Provider over it.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	rules, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = rules
	return l, nil
}

// Rules implements Provider with the most recently loaded rule list.
func (l *Loader) Rules() []Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch hot-reloads the rules whenever the file is rewritten. Call the
// returned stop function to clean up the watcher.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create rules watcher")
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "failed to watch rules file %s", l.path)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					rules, err := l.load()
					if err != nil {
						log.Error().Err(err).Str("path", l.path).Msg("Failed to reload permission rules, keeping previous set")
						continue
					}
					l.mu.Lock()
					l.current = rules
					l.mu.Unlock()
					log.Info().Int("rules", len(rules)).Msg("Permission rules reloaded")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("Permission rules watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

func (l *Loader) load() ([]Rule, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read rules file %s", l.path)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "failed to parse rules file %s", l.path)
	}
	for _, r := range f.Rules {
		switch r.Level {
		case LevelAllow, LevelDeny, LevelRequireApproval:
		default:
			return nil, errors.Errorf("invalid rule level %q for %s:%s", r.Level, r.Domain, r.Action)
		}
	}
	return f.Rules, nil
}
