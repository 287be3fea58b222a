package bootsel

import "errors"

// ErrNoBootableImage is returned (and Halt is invoked) when neither bank
// holds metadata-valid, CRC-valid firmware.
var ErrNoBootableImage = errors.New("bootsel: no bootable image in either bank")
