package domain

import (
	"strings"
	"time"
)

// Project owns datasets and sites. Timezone is an IANA zone name used to
// localize observation dates; empty means the process default applies.
type Project struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Code      string    `json:"code"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProject creates a new project with immutable pattern
func NewProject(title, code, timezone string) Project {
	now := time.Now()
	return Project{
		Title:     strings.TrimSpace(title),
		Code:      strings.TrimSpace(code),
		Timezone:  strings.TrimSpace(timezone),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Location resolves the project's timezone, falling back to def when the
// project has none configured or the name is unknown.
func (p Project) Location(def *time.Location) *time.Location {
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
	}
	if def == nil {
		return time.Local
	}
	return def
}
