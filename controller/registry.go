package controller

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

// Registration creates a device model by name.
type Registration interface {
	// CreateDevice returns a new device instance of this type.
	CreateDevice(o *CreateOptions) (Device, error)
	// Description is shown when listing models.
	Description() string
}

// models holds every compiled-in device model keyed by lowercase name.
var models struct {
	sync.RWMutex
	byName map[string]Registration
}

// RegisterDevice adds a model. Model packages call it from init; names are
// case insensitive and a later registration replaces an earlier one.
func RegisterDevice(name string, reg Registration) {
	models.Lock()
	defer models.Unlock()
	if models.byName == nil {
		models.byName = map[string]Registration{}
	}
	models.byName[strings.ToLower(name)] = reg
}

// GetRegistration returns the model registered as name, or nil.
func GetRegistration(name string) Registration {
	models.RLock()
	defer models.RUnlock()
	return models.byName[strings.ToLower(name)]
}

// ListDeviceTypes returns the registered model names, sorted.
func ListDeviceTypes() []string {
	models.RLock()
	defer models.RUnlock()
	return slices.Sorted(maps.Keys(models.byName))
}

// RegistrationFunc adapts a constructor to Registration.
type RegistrationFunc struct {
	Create func(o *CreateOptions) (Device, error)
	Help   string
}

func (r RegistrationFunc) CreateDevice(o *CreateOptions) (Device, error) { return r.Create(o) }

func (r RegistrationFunc) Description() string { return r.Help }
