package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"carecall/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Synthetic is a Driver that produces fixed test-pattern samples at a steady
// rate. Deny makes Open fail for the listed kinds.
type Synthetic struct {
	Interval time.Duration
	Deny     map[Kind]error
}

var errCaptureClosed = errors.New("media: capture closed")

// Opus DTX silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func (d *Synthetic) Open(ctx context.Context, kind Kind) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := d.Deny[kind]; ok {
		if err == nil {
			err = ErrPermissionDenied
		}
		return nil, err
	}

	interval := d.Interval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}

	c := &syntheticCapture{
		interval: interval,
		ticker:   time.NewTicker(interval),
		closed:   make(chan struct{}),
	}
	if kind == domain.KindAudio {
		c.codec = pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		c.payload = opusSilence
	} else {
		c.codec = pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}
		c.payload = make([]byte, 64)
	}
	return c, nil
}

type syntheticCapture struct {
	codec    pion.RTPCodecCapability
	payload  []byte
	interval time.Duration
	ticker   *time.Ticker

	once   sync.Once
	closed chan struct{}
}

func (c *syntheticCapture) Codec() pion.RTPCodecCapability { return c.codec }

func (c *syntheticCapture) ReadSample() (pionmedia.Sample, error) {
	select {
	case <-c.closed:
		return pionmedia.Sample{}, errCaptureClosed
	case <-c.ticker.C:
		return pionmedia.Sample{Data: c.payload, Duration: c.interval}, nil
	}
}

func (c *syntheticCapture) Close() error {
	c.once.Do(func() {
		c.ticker.Stop()
		close(c.closed)
	})
	return nil
}
