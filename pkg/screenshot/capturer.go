// Package screenshot captures the desktop to a PNG file. It is used to record
// the screen at the moment a supervised process crashes.
package screenshot

import (
	stderrors "errors"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/core-tools/hsu-watchdog/pkg/errors"
	"github.com/core-tools/hsu-watchdog/pkg/logging"

	"github.com/kbinani/screenshot"
)

// ErrNoActiveSession is the cause of a capture error when there is no desktop to capture
var ErrNoActiveSession = stderrors.New("no active desktop session")

// Capturer writes a screenshot of the whole desktop to a file
type Capturer interface {
	CaptureToFile(path string) error
}

type displayCapturer struct {
	logger logging.Logger

	numDisplays   func() int
	displayBounds func(displayIndex int) image.Rectangle
	captureRect   func(rect image.Rectangle) (*image.RGBA, error)
}

// NewCapturer creates a Capturer backed by the platform screen grabber
func NewCapturer(logger logging.Logger) Capturer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &displayCapturer{
		logger:        logger,
		numDisplays:   screenshot.NumActiveDisplays,
		displayBounds: screenshot.GetDisplayBounds,
		captureRect:   screenshot.CaptureRect,
	}
}

// CaptureToFile grabs every active display as one image and writes it as PNG.
// The file is written to a temporary name first so a partial image is never left at path.
func (c *displayCapturer) CaptureToFile(path string) error {
	displays := c.numDisplays()
	if displays <= 0 {
		return errors.NewCaptureError("no active displays", ErrNoActiveSession).WithContext("path", path)
	}

	var bounds image.Rectangle
	for i := 0; i < displays; i++ {
		bounds = bounds.Union(c.displayBounds(i))
	}
	if bounds.Empty() {
		return errors.NewCaptureError("display bounds are empty", ErrNoActiveSession).WithContext("path", path)
	}

	img, err := c.captureRect(bounds)
	if err != nil {
		return errors.NewCaptureError("failed to capture screen", err).
			WithContext("path", path).
			WithContext("bounds", bounds.String())
	}

	if err := writePNG(path, img); err != nil {
		return err
	}

	c.logger.Infof("Screenshot saved, path: %s, displays: %d, bounds: %v", path, displays, bounds)
	return nil
}

func writePNG(path string, img image.Image) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewIOError("failed to create screenshot directory", err).WithContext("dir", dir)
	}

	tmp, err := os.CreateTemp(dir, ".screenshot-*.png")
	if err != nil {
		return errors.NewIOError("failed to create screenshot file", err).WithContext("dir", dir)
	}
	tmpPath := tmp.Name()

	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.NewIOError("failed to encode screenshot", err).WithContext("path", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("failed to write screenshot", err).WithContext("path", path)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("failed to move screenshot into place", err).WithContext("path", path)
	}
	return nil
}
