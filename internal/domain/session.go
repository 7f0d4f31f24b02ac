package domain

import "errors"

var ErrEmptySessionID = errors.New("session id empty")

type SessionID string

// Session binds the local participant to one named session.
// Created on session entry, destroyed on leave; no transport state here.
type Session struct {
	ID    SessionID
	Title string
	Self  Participant
}

func NewSession(id string, title string, self Participant) (Session, error) {
	if len(id) == 0 {
		return Session{}, ErrEmptySessionID
	}
	return Session{ID: SessionID(id), Title: title, Self: self}, nil
}
