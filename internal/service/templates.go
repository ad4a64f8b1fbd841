package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TemplateInfo contains information about a background template for the
// API response.
type TemplateInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TemplateRegistry maps template names to anatomical volumes on disk.
type TemplateRegistry struct {
	paths           map[string]string
	defaultTemplate string
	templateOrder   []string
	title           string
}

// NewTemplateRegistry creates an empty template registry.
func NewTemplateRegistry(defaultTemplate, title string) *TemplateRegistry {
	return &TemplateRegistry{
		paths:           make(map[string]string),
		defaultTemplate: defaultTemplate,
		title:           title,
	}
}

// Register adds a template volume under the given ID.
func (r *TemplateRegistry) Register(id, path string) {
	if _, ok := r.paths[id]; !ok {
		r.templateOrder = append(r.templateOrder, id)
	}
	r.paths[id] = path
}

// Resolve returns the on-disk path for a template ID.
func (r *TemplateRegistry) Resolve(id string) (string, bool) {
	path, ok := r.paths[id]
	return path, ok
}

// Has reports whether a template ID is registered.
func (r *TemplateRegistry) Has(id string) bool {
	_, ok := r.paths[id]
	return ok
}

// DefaultTemplateID returns the configured default template ID, falling
// back to the first registered template when the configured one is
// absent. Empty when no templates are registered.
func (r *TemplateRegistry) DefaultTemplateID() string {
	if _, ok := r.paths[r.defaultTemplate]; ok {
		return r.defaultTemplate
	}
	if len(r.templateOrder) > 0 {
		return r.templateOrder[0]
	}
	return ""
}

// TemplateIDs returns all template IDs in registration order.
func (r *TemplateRegistry) TemplateIDs() []string {
	return r.templateOrder
}

// Title returns the configured site title.
func (r *TemplateRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "NeuroSprite"
}

// Templates returns template info for all registered templates.
func (r *TemplateRegistry) Templates() []TemplateInfo {
	infos := make([]TemplateInfo, 0, len(r.templateOrder))
	for _, id := range r.templateOrder {
		infos = append(infos, TemplateInfo{
			ID:   id,
			Name: id,
		})
	}
	return infos
}

// DiscoverTemplates scans dir for NIfTI volumes and registers each under
// its base name, so templates/MNI152.nii.gz becomes template "MNI152".
// A missing directory yields an empty registry; the server still serves
// uploaded and path-referenced volumes.
func DiscoverTemplates(dir, defaultTemplate, title string) (*TemplateRegistry, error) {
	reg := NewTemplateRegistry(defaultTemplate, title)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("failed to scan template dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := templateID(entry.Name())
		if !ok {
			continue
		}
		reg.Register(id, filepath.Join(dir, entry.Name()))
	}
	return reg, nil
}

// templateID strips the NIfTI extension from a file name. Returns false
// for files that are not NIfTI volumes.
func templateID(name string) (string, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".nii.gz"):
		return name[:len(name)-len(".nii.gz")], true
	case strings.HasSuffix(lower, ".nii"):
		return name[:len(name)-len(".nii")], true
	}
	return "", false
}
