package media

import (
	"context"
	"errors"

	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrNoDevice         = errors.New("media: no such device")
)

// Driver opens OS capture streams. Implementations return ErrPermissionDenied
// or ErrNoDevice when the device cannot be used.
type Driver interface {
	Open(ctx context.Context, kind Kind) (Capture, error)
}

// Capture yields encoded samples until closed. ReadSample blocks and returns
// an error once Close has been called.
type Capture interface {
	Codec() pion.RTPCodecCapability
	ReadSample() (pionmedia.Sample, error)
	Close() error
}
