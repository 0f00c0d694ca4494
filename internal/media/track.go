package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"carecall/native/internal/domain"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Track is a captured stream exposed as a pion sample track. Disabled
// tracks keep the device open and drop samples.
type Track struct {
	id      string
	kind    Kind
	local   *pion.TrackLocalStaticSample
	capture Capture
	log     zerolog.Logger

	enabled  atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
	onStop   func(*Track)
}

func newTrack(kind Kind, streamID string, c Capture, log zerolog.Logger, onStop func(*Track)) (*Track, error) {
	id := uuid.NewString()
	local, err := pion.NewTrackLocalStaticSample(c.Codec(), id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	t := &Track{
		id:      id,
		kind:    kind,
		local:   local,
		capture: c,
		log:     log.With().Str("track", id).Str("kind", string(kind)).Logger(),
		stopped: make(chan struct{}),
		onStop:  onStop,
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func (t *Track) ID() string        { return t.id }
func (t *Track) Kind() Kind        { return t.kind }
func (t *Track) Enabled() bool     { return t.enabled.Load() }
func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }

// Local returns the pion track to attach to a peer connection.
func (t *Track) Local() pion.TrackLocal { return t.local }

// Stop closes the capture and frees the device.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
		if err := t.capture.Close(); err != nil {
			t.log.Warn().Err(err).Msg("close capture")
		}
		if t.onStop != nil {
			t.onStop(t)
		}
		t.log.Debug().Msg("track stopped")
	})
}

// Stopped reports whether Stop has run.
func (t *Track) Stopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

func (t *Track) pump() {
	for {
		sample, err := t.capture.ReadSample()
		if err != nil {
			if !t.Stopped() {
				t.log.Warn().Err(err).Msg("capture ended")
			}
			return
		}
		if !t.enabled.Load() {
			continue
		}
		if err := t.local.WriteSample(sample); err != nil {
			t.log.Debug().Err(err).Msg("write sample")
		}
	}
}

var _ domain.Track = (*Track)(nil)
