package domain

import (
	"fmt"
	"strings"
	"time"
)

// Site natural key fields. A dataset schema links to a site through a foreign
// key whose reference field is one of these.
const (
	SiteKeyCode = "code"
	SiteKeyName = "name"
)

// Site is a survey location owned by a project.
type Site struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSiteWithKey builds an unsaved site whose natural key field holds value.
func NewSiteWithKey(projectID int64, keyField, value string) (Site, error) {
	now := time.Now()
	site := Site{
		ProjectID: projectID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch NormalizeSiteKey(keyField) {
	case SiteKeyCode:
		site.Code = value
	case SiteKeyName:
		site.Name = value
	default:
		return Site{}, fmt.Errorf("unsupported site key field %q", keyField)
	}
	return site, nil
}

// KeyValue returns the value held in the given natural key field.
func (s Site) KeyValue(keyField string) string {
	switch NormalizeSiteKey(keyField) {
	case SiteKeyCode:
		return s.Code
	case SiteKeyName:
		return s.Name
	default:
		return ""
	}
}

// NormalizeSiteKey lowercases and trims a site key field name.
func NormalizeSiteKey(keyField string) string {
	return strings.ToLower(strings.TrimSpace(keyField))
}

// IsSiteKey reports whether keyField names a supported natural key.
func IsSiteKey(keyField string) bool {
	switch NormalizeSiteKey(keyField) {
	case SiteKeyCode, SiteKeyName:
		return true
	}
	return false
}
