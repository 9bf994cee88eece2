// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxDisplayNameLen = 36
	MaxRoomNameLen    = 64
)

var (
	ErrNameTooLong     = errors.New("name too long")
	ErrNameEmpty       = errors.New("name empty")
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
)

// PeerID is the server-assigned connection id. One peer per live connection.
type PeerID string

// PeerDetails is the display metadata other members see through getPeers.
type PeerDetails struct {
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
}

// NewPeerDetails is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewPeerDetails(name string) (PeerDetails, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return PeerDetails{}, ErrNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return PeerDetails{}, ErrNameTooLong
	}
	return PeerDetails{Name: name}, nil
}
