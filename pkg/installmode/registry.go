package installmode

import (
	"fmt"
	"maps"
	"slices"

	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/updatepackage"
)

const (
	ModeRaw  = "raw"
	ModeCopy = "copy"
	ModeTest = "test"
)

// Handler consumes one object's bytes and commits them to its target.
// Abort must leave the target as it was before the first Receive when the
// mode supports it.
type Handler interface {
	Receive(chunk []byte) (int, error)
	Finalize() error
	Abort() error
}

// Factory validates an object's options and returns an installer for it.
type Factory func(obj updatepackage.Object) (Installer, error)

// Installer opens a Handler for a resolved object.
type Installer interface {
	Open() (Handler, error)
}

type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry holds the built-in modes.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ModeRaw, NewRaw)
	r.Register(ModeCopy, NewCopy)
	r.Register(ModeTest, NewTest)
	return r
}

func (r *Registry) Register(mode string, f Factory) {
	r.factories[mode] = f
}

func (r *Registry) Modes() []string {
	return slices.Sorted(maps.Keys(r.factories))
}

// Plan is an object list with each object's installer resolved.
type Plan struct {
	Steps []Step
}

type Step struct {
	Object    updatepackage.Object
	Installer Installer
}

// Resolve maps every object to its installer. Unknown modes and invalid
// options are validation errors.
func (r *Registry) Resolve(objects []updatepackage.Object) (*Plan, error) {
	plan := &Plan{}
	for _, o := range objects {
		f, ok := r.factories[o.Mode]
		if !ok {
			return nil, agenterr.Validation("mode", fmt.Errorf("object %s: unknown install mode %q", o.Filename, o.Mode))
		}
		inst, err := f(o)
		if err != nil {
			return nil, agenterr.Validation("mode", fmt.Errorf("object %s: %w", o.Filename, err))
		}
		plan.Steps = append(plan.Steps, Step{Object: o, Installer: inst})
	}
	return plan, nil
}
