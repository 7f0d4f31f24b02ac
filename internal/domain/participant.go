// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxIdentityLen = 254

var (
	ErrEmptyIdentity   = errors.New("participant identity empty")
	ErrIdentityTooLong = errors.New("participant identity too long")
	ErrUnknownRole     = errors.New("unknown role")
)

// ParticipantID is the relay-wide unique identity of a participant,
// typically the account email the auth collaborator verified.
type ParticipantID string

// Role gates topology: a Host initiates a link toward every participant
// that announces itself, a Guest only announces and answers.
type Role int

const (
	RoleGuest Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "guest"
}

// ParseRole accepts the role strings the REST collaborator uses.
func ParseRole(s string) (Role, error) {
	switch s {
	case "HOST", "TEACHER", "host":
		return RoleHost, nil
	case "GUEST", "STUDENT", "guest":
		return RoleGuest, nil
	}
	return RoleGuest, ErrUnknownRole
}

// Participant is immutable for the lifetime of a session membership.
type Participant struct {
	ID   ParticipantID
	Role Role
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(id string, role Role) (Participant, error) {
	if len(id) == 0 {
		return Participant{}, ErrEmptyIdentity
	}
	if len(id) > MaxIdentityLen {
		return Participant{}, ErrIdentityTooLong
	}
	return Participant{ID: ParticipantID(id), Role: role}, nil
}
