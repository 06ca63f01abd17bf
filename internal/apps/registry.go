package apps

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no application matches the given id or key.
var ErrNotFound = errors.New("application not found")

// Registry is the immutable lookup table over the configured applications.
type Registry struct {
	byID  map[string]*Application
	byKey map[string]*Application
	all   []*Application
}

// NewRegistry indexes the configured applications. Duplicate ids or keys are
// configuration errors.
func NewRegistry(applications []Application) (*Registry, error) {
	r := &Registry{
		byID:  make(map[string]*Application, len(applications)),
		byKey: make(map[string]*Application, len(applications)),
	}

	for i := range applications {
		app := &applications[i]
		if app.ID == "" || app.Key == "" || app.Secret == "" {
			return nil, fmt.Errorf("application %q: id, key, and secret are required", app.ID)
		}
		if _, exists := r.byID[app.ID]; exists {
			return nil, fmt.Errorf("duplicate application id %q", app.ID)
		}
		if _, exists := r.byKey[app.Key]; exists {
			return nil, fmt.Errorf("duplicate application key %q", app.Key)
		}
		r.byID[app.ID] = app
		r.byKey[app.Key] = app
		r.all = append(r.all, app)
	}

	return r, nil
}

// FindByID looks a tenant up by app_id.
func (r *Registry) FindByID(id string) (*Application, error) {
	app, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("app_id %q: %w", id, ErrNotFound)
	}
	return app, nil
}

// FindByKey looks a tenant up by its public key.
func (r *Registry) FindByKey(key string) (*Application, error) {
	app, ok := r.byKey[key]
	if !ok {
		return nil, fmt.Errorf("app key %q: %w", key, ErrNotFound)
	}
	return app, nil
}

// All returns every configured application in declaration order.
func (r *Registry) All() []*Application {
	return r.all
}
