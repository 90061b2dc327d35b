// Package storage describes the storage operations a container job may
// perform and issues presigned URLs for them.
package storage

import (
	"errors"
	"fmt"
	"strings"
)

type Method string

const (
	MethodGet    Method = "GET"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
	MethodHead   Method = "HEAD"
)

func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case MethodGet, MethodPut, MethodDelete, MethodHead:
		return m, nil
	}
	return "", fmt.Errorf("unsupported storage method %q", s)
}

// Rule grants Methods on FolderID. Prefix or ObjectKey narrow the grant;
// with neither set the whole folder is covered.
type Rule struct {
	FolderID  string   `json:"folderId"            yaml:"folderId"            validate:"required"`
	Methods   []Method `json:"methods"             yaml:"methods"             validate:"required,min=1"`
	Prefix    string   `json:"prefix,omitempty"    yaml:"prefix,omitempty"`
	ObjectKey string   `json:"objectKey,omitempty" yaml:"objectKey,omitempty"`
}

func (r Rule) Validate() error {
	if r.FolderID == "" {
		return errors.New("storage rule requires a folderId")
	}
	if len(r.Methods) == 0 {
		return fmt.Errorf("storage rule for folder %s grants no methods", r.FolderID)
	}
	if r.Prefix != "" && r.ObjectKey != "" {
		return fmt.Errorf("storage rule for folder %s sets both prefix and objectKey", r.FolderID)
	}
	return nil
}

func (r Rule) Matches(req Request) bool {
	if r.FolderID != req.FolderID {
		return false
	}
	allowed := false
	for _, m := range r.Methods {
		if strings.EqualFold(string(m), string(req.Method)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	switch {
	case r.ObjectKey != "":
		return req.ObjectKey == r.ObjectKey
	case r.Prefix != "":
		return strings.HasPrefix(req.ObjectKey, r.Prefix)
	default:
		return true
	}
}

// AccessPolicy is an ordered allow-list of rules.
type AccessPolicy []Rule

func (p AccessPolicy) Validate() error {
	for i, r := range p {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// Allows reports whether some rule grants req.
func (p AccessPolicy) Allows(req Request) bool {
	for _, r := range p {
		if r.Matches(req) {
			return true
		}
	}
	return false
}

// Request is one storage operation a job asks to perform.
type Request struct {
	FolderID  string `json:"folderId"  validate:"required"`
	ObjectKey string `json:"objectKey" validate:"required"`
	Method    Method `json:"method"    validate:"required"`
}
