package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"carecall/native/internal/domain"

	"github.com/rs/zerolog"
)

// SourceConfig configures a Source.
type SourceConfig struct {
	Session domain.SessionID
	Driver  Driver
	// Devices is shared between every Source of the process.
	Devices *Devices
	Logger  zerolog.Logger
}

// Source is the MediaSource of one session.
type Source struct {
	session  domain.SessionID
	driver   Driver
	devices  *Devices
	streamID string
	log      zerolog.Logger

	// opening serializes Acquire so a kind is opened once per session.
	opening sync.Mutex

	mu     sync.Mutex
	live   map[string]*Track
	byKind map[Kind]*Track
}

// NewSource creates a Source. A nil Devices gets a private registry.
func NewSource(cfg SourceConfig) *Source {
	devices := cfg.Devices
	if devices == nil {
		devices = NewDevices()
	}
	return &Source{
		session:  cfg.Session,
		driver:   cfg.Driver,
		devices:  devices,
		streamID: "carecall-" + string(cfg.Session),
		log:      cfg.Logger.With().Str("component", "media").Str("session", string(cfg.Session)).Logger(),
		live:     make(map[string]*Track),
		byKind:   make(map[Kind]*Track),
	}
}

// Acquire opens audio and/or video capture. Kinds already held by this
// source are returned as-is. On failure nothing opened by this call stays open.
func (s *Source) Acquire(ctx context.Context, kinds ...Kind) (*domain.TrackSet, error) {
	s.opening.Lock()
	defer s.opening.Unlock()

	set := domain.NewTrackSet()
	var opened []*Track

	fail := func(err error) (*domain.TrackSet, error) {
		for _, t := range opened {
			t.Stop()
		}
		return nil, err
	}

	for _, kind := range kinds {
		if kind != domain.KindAudio && kind != domain.KindVideo {
			return fail(fmt.Errorf("acquire: unsupported kind %q", kind))
		}

		s.mu.Lock()
		existing := s.byKind[kind]
		s.mu.Unlock()
		if existing != nil && !existing.Stopped() {
			set.Put(kind, existing)
			continue
		}

		t, err := s.open(ctx, kind)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, t)
		set.Put(kind, t)
	}

	s.log.Info().Strs("kinds", kindStrings(set.Kinds())).Msg("media acquired")
	return set, nil
}

// AcquireScreen opens display capture. Display capture is not exclusive.
func (s *Source) AcquireScreen(ctx context.Context) (domain.Track, error) {
	t, err := s.open(ctx, domain.KindScreen)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("track", t.ID()).Msg("screen acquired")
	return t, nil
}

func (s *Source) open(ctx context.Context, kind Kind) (*Track, error) {
	if err := s.devices.claim(kind, s.session); err != nil {
		return nil, err
	}

	c, err := s.driver.Open(ctx, kind)
	if err != nil {
		s.devices.free(kind, s.session)
		return nil, classifyOpenError(kind, err)
	}

	t, err := newTrack(kind, s.streamID, c, s.log, s.forget)
	if err != nil {
		_ = c.Close()
		s.devices.free(kind, s.session)
		return nil, domain.NewError(domain.KindDeviceUnavailable, string(kind), err)
	}

	s.mu.Lock()
	s.live[t.ID()] = t
	s.byKind[kind] = t
	s.mu.Unlock()
	return t, nil
}

func classifyOpenError(kind Kind, err error) error {
	if kind == domain.KindScreen {
		return domain.NewError(domain.KindScreenShareDenied, "display capture", err)
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	return domain.NewError(domain.KindDeviceUnavailable, string(kind), err)
}

// forget runs when a track stops. The device is freed with the last live
// track of its kind.
func (s *Source) forget(t *Track) {
	s.mu.Lock()
	delete(s.live, t.ID())
	if s.byKind[t.kind] == t {
		delete(s.byKind, t.kind)
	}
	inUse := false
	for _, o := range s.live {
		if o.kind == t.kind {
			inUse = true
			break
		}
	}
	s.mu.Unlock()
	if !inUse {
		s.devices.free(t.kind, s.session)
	}
}

// Release stops every track of set that this source handed out.
func (s *Source) Release(set *domain.TrackSet) {
	for _, t := range set.Tracks() {
		if mt, ok := t.(*Track); ok {
			mt.Stop()
		}
	}
}

// ReleaseAll stops every live track.
func (s *Source) ReleaseAll() {
	s.mu.Lock()
	tracks := make([]*Track, 0, len(s.live))
	for _, t := range s.live {
		tracks = append(tracks, t)
	}
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
	if len(tracks) > 0 {
		s.log.Info().Int("tracks", len(tracks)).Msg("media released")
	}
}

// Toggle mutes or unmutes the current track of kind.
func (s *Source) Toggle(kind Kind, enabled bool) (bool, error) {
	t, err := s.current(kind)
	if err != nil {
		return false, err
	}
	t.SetEnabled(enabled)
	s.log.Debug().Str("kind", string(kind)).Bool("enabled", enabled).Msg("track toggled")
	return enabled, nil
}

// Enabled reports whether the current track of kind is unmuted.
func (s *Source) Enabled(kind Kind) (bool, error) {
	t, err := s.current(kind)
	if err != nil {
		return false, err
	}
	return t.Enabled(), nil
}

// Live returns the number of open tracks.
func (s *Source) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *Source) current(kind Kind) (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byKind[kind]
	if !ok {
		return nil, domain.NewError(domain.KindTrackNotFound, string(kind)+" was never acquired", nil)
	}
	return t, nil
}

func kindStrings(kinds []Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

var _ domain.MediaSource = (*Source)(nil)
