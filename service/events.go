package service

import "time"

// IdentityAuthenticated is published after a successful sign-in
type IdentityAuthenticated struct {
	SubjectID string    `json:"subject_id"`
	Address   string    `json:"address"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
}

// LoggedOut is published when a session holder logs out
type LoggedOut struct {
	Address   string    `json:"address"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
}

// DocumentChanged is published on register, verify and revoke
type DocumentChanged struct {
	Owner       string    `json:"owner"`
	Fingerprint string    `json:"fingerprint"`
	Status      string    `json:"status"`
	Actor       string    `json:"actor"`
	At          time.Time `json:"at"`
}
