// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package senseeact

import (
	"context"
	"strings"
)

// TableDef declares one syncable table of a project.
type TableDef struct {
	Name     string   `json:"name"`
	Modules  []string `json:"modules"`            // logical modules the table belongs to
	Resource bool     `json:"resource,omitempty"` // project-wide data, not owned by a subject
	Fields   []string `json:"fields,omitempty"`   // allowed payload fields; empty = free-form
}

// ProjectAccessPolicy is an optional per-project hook consulted as the last
// step of access resolution, after rules, roles and groups all failed.
type ProjectAccessPolicy interface {
	Grants(ctx context.Context, caller, subject string) (bool, error)
}

// ProjectDef declares a project: its tables and an optional access policy.
type ProjectDef struct {
	Name         string
	Tables       []TableDef
	AccessPolicy ProjectAccessPolicy
}

// Project is the runtime view of a registered project.
type Project struct {
	Name   string
	tables map[string]*TableDef
	policy ProjectAccessPolicy
}

// Table looks up a table definition by name. Reserved names are never
// registered, so they always miss.
func (p *Project) Table(name string) (*TableDef, bool) {
	t, ok := p.tables[name]
	return t, ok
}

// TableNames returns the registered table names in unspecified order;
// callers sort when order matters.
func (p *Project) TableNames() []string {
	names := make([]string, 0, len(p.tables))
	for name := range p.tables {
		names = append(names, name)
	}
	return names
}

// ModuleSet returns the modules of a table as a membership set.
func (t *TableDef) ModuleSet() map[string]bool {
	set := make(map[string]bool, len(t.Modules))
	for _, m := range t.Modules {
		set[m] = true
	}
	return set
}

// FieldSet returns the allowed payload fields as a membership set, or nil
// when the table accepts free-form payloads.
func (t *TableDef) FieldSet() map[string]bool {
	if len(t.Fields) == 0 {
		return nil
	}
	set := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		set[f] = true
	}
	return set
}

// ProjectRegistry maps project names to their table and module layout. It
// is built once at startup and read-only afterwards.
type ProjectRegistry struct {
	projects map[string]*Project
}

// NewProjectRegistry builds a registry from project definitions. Table
// names are normalized to lowercase; reserved names are rejected with
// ErrIllegalInput.
func NewProjectRegistry(defs []ProjectDef) (*ProjectRegistry, error) {
	r := &ProjectRegistry{projects: make(map[string]*Project, len(defs))}
	for _, def := range defs {
		name := strings.ToLower(strings.TrimSpace(def.Name))
		if !isValidTableName(name) {
			return nil, illegalInputf("invalid project name %q", def.Name)
		}
		p := &Project{
			Name:   name,
			tables: make(map[string]*TableDef, len(def.Tables)),
			policy: def.AccessPolicy,
		}
		for i := range def.Tables {
			t := def.Tables[i]
			t.Name = strings.ToLower(strings.TrimSpace(t.Name))
			if strings.HasPrefix(t.Name, ReservedTablePrefix) {
				return nil, illegalInputf("reserved table name %q in project %q", t.Name, name)
			}
			if !isValidTableName(t.Name) {
				return nil, illegalInputf("invalid table name %q in project %q", t.Name, name)
			}
			p.tables[t.Name] = &t
		}
		r.projects[name] = p
	}
	return r, nil
}

// Project looks up a project by name.
func (r *ProjectRegistry) Project(name string) (*Project, bool) {
	p, ok := r.projects[strings.ToLower(name)]
	return p, ok
}

// requireProject returns the project or ErrNotFound.
func (r *ProjectRegistry) requireProject(name string) (*Project, error) {
	p, ok := r.Project(name)
	if !ok {
		return nil, notFoundf("project %s", name)
	}
	return p, nil
}
