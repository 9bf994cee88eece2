package domain

type RoomName string

func ParseRoomName(raw string) (RoomName, error) {
	if len(raw) == 0 {
		return "", ErrRoomNameEmpty
	}
	if len(raw) > MaxRoomNameLen {
		return "", ErrRoomNameTooLong
	}
	return RoomName(raw), nil
}

// ActiveSpeaker is the loudest producer of a room. All fields nil means nobody speaks.
type ActiveSpeaker struct {
	ProducerID *ProducerID `json:"producerId"`
	PeerID     *PeerID     `json:"peerId"`
	Volume     *float64    `json:"volume"`
}

func (s ActiveSpeaker) IsIdle() bool { return s.PeerID == nil && s.ProducerID == nil }

func (s *ActiveSpeaker) Set(producer ProducerID, peer PeerID) {
	s.ProducerID = &producer
	s.PeerID = &peer
}

func (s *ActiveSpeaker) SetVolume(v float64) { s.Volume = &v }

func (s *ActiveSpeaker) Clear() { *s = ActiveSpeaker{} }

// Same reports whether the stored speaker matches on both ids.
func (s ActiveSpeaker) Same(producer ProducerID, peer PeerID) bool {
	return s.ProducerID != nil && *s.ProducerID == producer &&
		s.PeerID != nil && *s.PeerID == peer
}
