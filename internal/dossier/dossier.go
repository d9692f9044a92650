package dossier

import (
	"encoding/json"
	"fmt"
)

// Action is the kind of provisioning work Moneypenny carries out for a user.
type Action string

const (
	ActionCommission Action = "commission"
	ActionRetire     Action = "retire"
)

func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionCommission, ActionRetire:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Group is a user group, ordered as submitted.
type Group struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
}

// Dossier is a validated provisioning request. It is immutable once parsed;
// Raw keeps the original payload byte-for-byte, unrecognized fields included,
// so the backend unit can pass it through untouched.
type Dossier struct {
	Username string          `json:"username"`
	UID      int             `json:"uid"`
	Groups   []Group         `json:"groups"`
	Raw      json.RawMessage `json:"-"`
}

// ValidationError names the first field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid dossier: field %q %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Parse validates a raw request body against the dossier schema. The schema
// is open: fields beyond username, uid and groups are accepted and survive in
// Raw. Pointer fields distinguish an absent value from a zero one.
func Parse(raw []byte) (*Dossier, error) {
	var body struct {
		Username *string `json:"username"`
		UID      *int    `json:"uid"`
		Groups   *[]struct {
			Name *string `json:"name"`
			ID   *int    `json:"id"`
		} `json:"groups"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, invalid("body", "is not valid JSON")
	}

	if body.Username == nil {
		return nil, invalid("username", "is required")
	}
	if *body.Username == "" {
		return nil, invalid("username", "must not be empty")
	}
	if body.UID == nil {
		return nil, invalid("uid", "is required")
	}
	if *body.UID < 1 {
		return nil, invalid("uid", "must be >= 1")
	}
	if body.Groups == nil {
		return nil, invalid("groups", "is required")
	}

	groups := make([]Group, 0, len(*body.Groups))
	for i, g := range *body.Groups {
		if g.Name == nil {
			return nil, invalid(fmt.Sprintf("groups[%d].name", i), "is required")
		}
		if g.ID == nil {
			return nil, invalid(fmt.Sprintf("groups[%d].id", i), "is required")
		}
		if *g.ID < 1 {
			return nil, invalid(fmt.Sprintf("groups[%d].id", i), "must be >= 1")
		}
		groups = append(groups, Group{Name: *g.Name, ID: *g.ID})
	}

	return &Dossier{
		Username: *body.Username,
		UID:      *body.UID,
		Groups:   groups,
		Raw:      append(json.RawMessage(nil), raw...),
	}, nil
}
