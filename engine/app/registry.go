package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/compozy/taskengine/engine/task"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	ErrAppNotFound   = errors.New("app not found")
	ErrStaleManifest = errors.New("manifest version is older than the installed one")
)

const manifestPattern = "**/*.{yaml,yml}"

// Subscriber pairs an app with one of its event subscriptions.
type Subscriber struct {
	App          string
	Subscription EventSubscription
}

// ScheduledTask is a task declaration carrying a schedule.
type ScheduledTask struct {
	App        string
	Definition TaskDefinition
}

// Registry is the read side of installed app manifests.
type Registry struct {
	mu       sync.RWMutex
	apps     map[string]*Manifest
	validate *validator.Validate
}

func NewRegistry(manifests ...*Manifest) (*Registry, error) {
	r := &Registry{
		apps:     make(map[string]*Manifest),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, m := range manifests {
		if err := r.Install(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadDir installs every *.yaml and *.yml manifest under dir, including
// nested directories.
func LoadDir(dir string) (*Registry, error) {
	manifests, err := LoadManifests(dir)
	if err != nil {
		return nil, err
	}
	return NewRegistry(manifests...)
}

// LoadManifests parses every manifest under dir in path order.
func LoadManifests(dir string) ([]*Manifest, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), manifestPattern)
	if err != nil {
		return nil, fmt.Errorf("listing manifests: %w", err)
	}
	sort.Strings(matches)
	out := make([]*Manifest, 0, len(matches))
	for _, rel := range matches {
		m, err := LoadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func LoadFile(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return &m, nil
}

// prepare validates m and compiles its data schemas.
func (r *Registry) prepare(m *Manifest) error {
	if m == nil {
		return errors.New("manifest is required")
	}
	if m.Identifier == CoreOwner {
		return fmt.Errorf("app identifier %q is reserved", CoreOwner)
	}
	if err := r.validate.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest %s: %w", m.Identifier, err)
	}
	if _, err := m.SemVer(); err != nil {
		return err
	}
	if err := m.checkReferences(); err != nil {
		return err
	}
	for i := range m.Tasks {
		if err := m.Tasks[i].compile(); err != nil {
			return fmt.Errorf("app %s: %w", m.Identifier, err)
		}
	}
	return nil
}

// checkUpgrade refuses to replace an installed manifest with an older
// version. Unversioned manifests always replace.
func checkUpgrade(installed, next *Manifest) error {
	if installed == nil {
		return nil
	}
	from, _ := installed.SemVer()
	to, _ := next.SemVer()
	if from == nil || to == nil {
		return nil
	}
	if to.LessThan(from) {
		return fmt.Errorf("%w: %s %s is older than installed %s", ErrStaleManifest, next.Identifier, to, from)
	}
	return nil
}

// Install validates m and makes it visible, replacing a previous version.
func (r *Registry) Install(m *Manifest) error {
	if err := r.prepare(m); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := checkUpgrade(r.apps[m.Identifier], m); err != nil {
		return err
	}
	r.apps[m.Identifier] = m
	return nil
}

// ReloadDir swaps the installed set for the manifests under dir. Nothing
// changes when any manifest is invalid. Apps whose file is gone are
// uninstalled.
func (r *Registry) ReloadDir(dir string) error {
	manifests, err := LoadManifests(dir)
	if err != nil {
		return err
	}
	next := make(map[string]*Manifest, len(manifests))
	for _, m := range manifests {
		if err := r.prepare(m); err != nil {
			return err
		}
		if _, dup := next[m.Identifier]; dup {
			return fmt.Errorf("app %s is declared twice", m.Identifier)
		}
		next[m.Identifier] = m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range next {
		if err := checkUpgrade(r.apps[id], m); err != nil {
			return err
		}
	}
	r.apps = next
	return nil
}

func (r *Registry) Get(identifier string) (*Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.apps[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAppNotFound, identifier)
	}
	return m, nil
}

func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manifest, 0, len(r.apps))
	for _, m := range r.apps {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// SubscribersOf lists subscriptions to event across apps in stable order.
func (r *Registry) SubscribersOf(event string) []Subscriber {
	var out []Subscriber
	for _, m := range r.List() {
		for _, s := range m.Events {
			if s.Event == event {
				out = append(out, Subscriber{App: m.Identifier, Subscription: s})
			}
		}
	}
	return out
}

func (r *Registry) ScheduledTasks() []ScheduledTask {
	var out []ScheduledTask
	for _, m := range r.List() {
		for _, t := range m.Tasks {
			if t.Schedule != nil {
				out = append(out, ScheduledTask{App: m.Identifier, Definition: t})
			}
		}
	}
	return out
}

// HandlerFor returns the handler of a declared task. Unknown tasks wrap
// task.ErrUnknownTask.
func (r *Registry) HandlerFor(_ context.Context, owner, taskIdentifier string) (string, error) {
	m, err := r.Get(owner)
	if err != nil {
		return "", fmt.Errorf("%w: %s/%s", task.ErrUnknownTask, owner, taskIdentifier)
	}
	def, ok := m.Task(taskIdentifier)
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", task.ErrUnknownTask, owner, taskIdentifier)
	}
	return def.Handler, nil
}
