// Package orb implements the extractor boundary with OpenCV's ORB
// detector via gocv. ORB produces 32-byte binary descriptors and is fast
// enough for a synchronous request path while remaining strictly
// CPU-bound, which is why the worker pool owns its concurrency.
package orb

import (
	"context"

	"gocv.io/x/gocv"

	featurecache "github.com/wolfeidau/feature-cache"
	"github.com/wolfeidau/feature-cache/extractor"
)

// descriptorBytes is the width of one ORB descriptor row.
const descriptorBytes = 32

// Extractor detects ORB keypoints and descriptors for staged image
// files. A fresh detector is created per call: gocv detectors are not
// goroutine-safe and the pool invokes Extract from multiple workers.
type Extractor struct{}

// New creates a new ORB extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract implements extractor.Extractor. The image is decoded in
// grayscale; undecodable input yields an ExtractionError.
func (e *Extractor) Extract(ctx context.Context, path string) (*featurecache.Result, error) {
	img := gocv.IMRead(path, gocv.IMReadGrayScale)
	defer img.Close()

	if img.Empty() {
		return nil, featurecache.NewExtractionError("image could not be decoded", nil)
	}

	orb := gocv.NewORB()
	defer orb.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	keypoints, descriptors := orb.DetectAndCompute(img, mask)
	defer descriptors.Close()

	result := &featurecache.Result{
		Keypoints:      make([]featurecache.KeyPoint, 0, len(keypoints)),
		Descriptors:    make([][]byte, 0, len(keypoints)),
		DescriptorBits: descriptorBytes * 8,
	}

	for _, kp := range keypoints {
		result.Keypoints = append(result.Keypoints, featurecache.KeyPoint{
			X:        kp.X,
			Y:        kp.Y,
			Size:     kp.Size,
			Angle:    kp.Angle,
			Response: kp.Response,
			Octave:   kp.Octave,
			ClassID:  kp.ClassID,
		})
	}

	if descriptors.Rows() > 0 {
		raw := descriptors.ToBytes()
		cols := descriptors.Cols()
		for row := 0; row < descriptors.Rows(); row++ {
			d := make([]byte, cols)
			copy(d, raw[row*cols:(row+1)*cols])
			result.Descriptors = append(result.Descriptors, d)
		}
	}

	return result, nil
}

var _ extractor.Extractor = (*Extractor)(nil)
