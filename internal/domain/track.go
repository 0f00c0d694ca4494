package domain

import (
	"fmt"
	"sort"
	"sync"
)

// TrackKind names a slot in a MediaTrackSet.
type TrackKind string

const (
	KindAudio  TrackKind = "audio"
	KindVideo  TrackKind = "video"
	KindScreen TrackKind = "screen"
)

// ParseTrackKind maps a configuration string to a TrackKind.
func ParseTrackKind(s string) (TrackKind, error) {
	switch TrackKind(s) {
	case KindAudio, KindVideo, KindScreen:
		return TrackKind(s), nil
	}
	return "", fmt.Errorf("unknown track kind %q", s)
}

// VideoSource tells which capture feeds the outgoing video slot.
type VideoSource int

const (
	SourceCamera VideoSource = iota
	SourceScreen
)

func (v VideoSource) String() string {
	if v == SourceScreen {
		return "screen"
	}
	return "camera"
}

// Track is a local capture track handed out by a MediaSource.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop ends capture. Safe to call more than once.
	Stop()
}

// RemoteTrack describes media received from the other participant.
// Handle carries the transport-specific track object, if any.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind
	Handle   any
}

// TrackSet is a mutable collection of named tracks.
type TrackSet struct {
	mu     sync.RWMutex
	tracks map[TrackKind]Track
}

// NewTrackSet returns a set holding the given tracks keyed by their kind.
func NewTrackSet(tracks ...Track) *TrackSet {
	s := &TrackSet{tracks: make(map[TrackKind]Track)}
	for _, t := range tracks {
		s.tracks[t.Kind()] = t
	}
	return s
}

// Get returns the track stored under kind.
func (s *TrackSet) Get(kind TrackKind) (Track, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[kind]
	return t, ok
}

// Put stores t under kind, replacing any previous entry.
func (s *TrackSet) Put(kind TrackKind, t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracks == nil {
		s.tracks = make(map[TrackKind]Track)
	}
	s.tracks[kind] = t
}

// Remove deletes and returns the track stored under kind.
func (s *TrackSet) Remove(kind TrackKind) (Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[kind]
	delete(s.tracks, kind)
	return t, ok
}

// Kinds returns the stored kinds in a stable order.
func (s *TrackSet) Kinds() []TrackKind {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	kinds := make([]TrackKind, 0, len(s.tracks))
	for k := range s.tracks {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Tracks returns the stored tracks ordered by kind.
func (s *TrackSet) Tracks() []Track {
	if s == nil {
		return nil
	}
	kinds := s.Kinds()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Track, 0, len(kinds))
	for _, k := range kinds {
		if t, ok := s.tracks[k]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of stored tracks.
func (s *TrackSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}
