package model

import (
	"strings"
	"unicode/utf8"
)

// Group is a named collection of users controlling authorization scope.
type Group struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	MemberIDs []int64 `json:"members,omitempty"`
}

// GroupRequest is the staff form for creating or editing a group.
type GroupRequest struct {
	Name string `json:"name"`
}

// Normalize trims whitespace from the group name.
func (r *GroupRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
}

// Validate returns field errors keyed by field name.
func (r *GroupRequest) Validate() map[string]string {
	errs := map[string]string{}
	if r.Name == "" {
		errs["name"] = "This field is required."
	} else if utf8.RuneCountInString(r.Name) > MaxGroupNameLength {
		errs["name"] = tooLong(MaxGroupNameLength)
	}
	return errs
}
