package models

import "github.com/google/uuid"

// Sample is a single decoded elementary-stream access unit.
type Sample struct {
	PresentationTime RationalTime
	DecodeTime       RationalTime
	Duration         RationalTime
	IsKeyFrame       bool
	Data             []byte
}

// DecodedFragment is the output of C4 demuxing a downloaded fragment: its
// video and audio sample sequences translated into the session's rational
// clock, ready for C7 to schedule.
type DecodedFragment struct {
	Source     Fragment
	BaseTime   RationalTime
	Duration   RationalTime
	IsCached   bool
	Video      []Sample
	Audio      []Sample
}

// SessionState is the mutable per-session cursor the HLS session (C6) owns:
// which fragment to request next, how much playback time has been promised
// to the renderer, and the generation counter invalidated on every seek or
// quality change.
type SessionState struct {
	CurrentFragmentIndex int
	LoadingProgress      float64
	BufferingID          uuid.UUID
}

// NewBufferingID mints a fresh generation counter, e.g. on seek or quality
// change, invalidating any fetch still carrying the previous one.
func NewBufferingID() uuid.UUID {
	return uuid.New()
}
