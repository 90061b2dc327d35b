// Package app holds the manifests installed apps declare: their tasks,
// event subscriptions and container profiles.
package app

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/storage"
	"github.com/compozy/taskengine/engine/task"
	"github.com/kaptinlin/jsonschema"
)

// CoreOwner is the namespace of platform-owned tasks.
const CoreOwner = "core"

const containerHandlerPrefix = "docker:"

type JobMode string

const (
	ModeSync  JobMode = "sync"
	ModeAsync JobMode = "async"
)

type Manifest struct {
	Identifier        string                      `yaml:"identifier"                  json:"identifier"                  validate:"required"`
	Version           string                      `yaml:"version,omitempty"           json:"version,omitempty"`
	Tasks             []TaskDefinition            `yaml:"tasks"                       json:"tasks"                       validate:"dive"`
	Events            []EventSubscription         `yaml:"events,omitempty"            json:"events,omitempty"            validate:"dive"`
	ContainerProfiles map[string]ContainerProfile `yaml:"containerProfiles,omitempty" json:"containerProfiles,omitempty" validate:"dive"`
}

type TaskDefinition struct {
	Identifier string               `yaml:"identifier"           json:"identifier"           validate:"required"`
	Handler    string               `yaml:"handler"              json:"handler"              validate:"required"`
	Schedule   *task.ScheduleConfig `yaml:"schedule,omitempty"   json:"schedule,omitempty"`
	// DataSchema constrains the data callers pass when creating the task.
	DataSchema Schema `yaml:"dataSchema,omitempty" json:"dataSchema,omitempty"`

	compiled *jsonschema.Schema
}

// EventSubscription creates Task whenever Event is emitted. DataTemplate is
// resolved against {event: ...}.
type EventSubscription struct {
	Event        string                `yaml:"event"                  json:"event"                  validate:"required"`
	Task         string                `yaml:"task"                   json:"task"                   validate:"required"`
	DataTemplate any                   `yaml:"dataTemplate,omitempty" json:"dataTemplate,omitempty"`
	OnComplete   []task.OnCompleteRule `yaml:"onComplete,omitempty"   json:"onComplete,omitempty"`
}

type ContainerProfile struct {
	Image      string              `yaml:"image"             json:"image"             validate:"required"`
	Command    []string            `yaml:"command,omitempty" json:"command,omitempty"`
	Env        map[string]string   `yaml:"env,omitempty"     json:"env,omitempty"`
	HostID     string              `yaml:"hostId"            json:"hostId"            validate:"required"`
	JobClasses map[string]JobClass `yaml:"jobClasses"        json:"jobClasses"        validate:"required,min=1,dive"`
}

// Hash identifies the profile contents. Containers started from an older
// version of the profile carry a different hash.
func (p ContainerProfile) Hash() string {
	return core.HashOf(map[string]any{"image": p.Image, "command": p.Command, "env": p.Env})
}

type JobClass struct {
	Mode                JobMode              `yaml:"mode"                          json:"mode"                          validate:"required,oneof=sync async"`
	StorageAccessPolicy storage.AccessPolicy `yaml:"storageAccessPolicy,omitempty" json:"storageAccessPolicy,omitempty"`
}

// ContainerHandler is a parsed "docker:<profile>:<jobClass>" handler.
type ContainerHandler struct {
	Profile  string
	JobClass string
}

func (h ContainerHandler) String() string {
	return containerHandlerPrefix + h.Profile + ":" + h.JobClass
}

// ParseContainerHandler reports whether handler runs in a container.
func ParseContainerHandler(handler string) (ContainerHandler, bool) {
	rest, ok := strings.CutPrefix(handler, containerHandlerPrefix)
	if !ok {
		return ContainerHandler{}, false
	}
	profile, jobClass, ok := strings.Cut(rest, ":")
	if !ok || profile == "" || jobClass == "" || strings.Contains(jobClass, ":") {
		return ContainerHandler{}, false
	}
	return ContainerHandler{Profile: profile, JobClass: jobClass}, true
}

// SemVer parses Version. It returns nil for unversioned manifests.
func (m *Manifest) SemVer() (*semver.Version, error) {
	if m.Version == "" {
		return nil, nil
	}
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, fmt.Errorf("app %s: invalid version %q: %w", m.Identifier, m.Version, err)
	}
	return v, nil
}

func (m *Manifest) Task(identifier string) (*TaskDefinition, bool) {
	for i := range m.Tasks {
		if m.Tasks[i].Identifier == identifier {
			return &m.Tasks[i], true
		}
	}
	return nil, false
}

// checkReferences validates what struct tags cannot express.
func (m *Manifest) checkReferences() error {
	seen := make(map[string]bool, len(m.Tasks))
	for _, t := range m.Tasks {
		if seen[t.Identifier] {
			return fmt.Errorf("app %s: duplicate task %q", m.Identifier, t.Identifier)
		}
		seen[t.Identifier] = true
		if t.Schedule != nil {
			if _, err := t.Schedule.Period(); err != nil {
				return fmt.Errorf("app %s: task %q: %w", m.Identifier, t.Identifier, err)
			}
		}
		if strings.HasPrefix(t.Handler, containerHandlerPrefix) {
			if _, err := m.ContainerJob(t.Handler); err != nil {
				return err
			}
		}
	}
	for _, e := range m.Events {
		if !seen[e.Task] {
			return fmt.Errorf("app %s: event %q targets undeclared task %q", m.Identifier, e.Event, e.Task)
		}
		if err := checkRules(m, seen, e.OnComplete); err != nil {
			return err
		}
	}
	for name, p := range m.ContainerProfiles {
		for class, jc := range p.JobClasses {
			if err := jc.StorageAccessPolicy.Validate(); err != nil {
				return fmt.Errorf("app %s: profile %s job class %s: %w", m.Identifier, name, class, err)
			}
		}
	}
	return nil
}

// CheckRules reports task.ErrUnknownTask when rules, at any depth, target a
// task the app does not declare.
func (m *Manifest) CheckRules(rules []task.OnCompleteRule) error {
	declared := make(map[string]bool, len(m.Tasks))
	for _, t := range m.Tasks {
		declared[t.Identifier] = true
	}
	return checkRules(m, declared, rules)
}

func checkRules(m *Manifest, declared map[string]bool, rules []task.OnCompleteRule) error {
	for _, r := range rules {
		if !declared[r.TaskIdentifier] {
			return fmt.Errorf("%w: app %s: onComplete targets undeclared task %q",
				task.ErrUnknownTask, m.Identifier, r.TaskIdentifier)
		}
		if err := checkRules(m, declared, r.OnComplete); err != nil {
			return err
		}
	}
	return nil
}

// ContainerJob resolves a container handler against the manifest profiles.
type ContainerJob struct {
	ProfileName string
	Profile     ContainerProfile
	JobClass    string
	Class       JobClass
}

func (m *Manifest) ContainerJob(handler string) (*ContainerJob, error) {
	h, ok := ParseContainerHandler(handler)
	if !ok {
		return nil, fmt.Errorf("app %s: %q is not a container handler", m.Identifier, handler)
	}
	profile, ok := m.ContainerProfiles[h.Profile]
	if !ok {
		return nil, fmt.Errorf("app %s: unknown container profile %q", m.Identifier, h.Profile)
	}
	class, ok := profile.JobClasses[h.JobClass]
	if !ok {
		return nil, fmt.Errorf("app %s: profile %s has no job class %q", m.Identifier, h.Profile, h.JobClass)
	}
	return &ContainerJob{ProfileName: h.Profile, Profile: profile, JobClass: h.JobClass, Class: class}, nil
}
