package domain

import "fmt"

type (
	TransportID string
	ProducerID  string
	ConsumerID  string
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func ParseMediaKind(raw string) (MediaKind, error) {
	switch MediaKind(raw) {
	case KindAudio, KindVideo:
		return MediaKind(raw), nil
	}
	return "", fmt.Errorf("unknown media kind %q", raw)
}

// TransportRole tells send transports (produce) from receive transports (consume).
type TransportRole int

const (
	RoleSend TransportRole = iota
	RoleReceive
)

func (r TransportRole) String() string {
	if r == RoleReceive {
		return "recv"
	}
	return "send"
}
