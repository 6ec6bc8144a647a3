package featurecache

// KeyPoint is a single detected feature location in an image.
type KeyPoint struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Size     float64 `json:"size"`
	Angle    float64 `json:"angle"`
	Response float64 `json:"response"`
	Octave   int     `json:"octave"`
	ClassID  int     `json:"class_id"`
}

// Result is the output of running feature extraction on one image: an
// ordered sequence of keypoints and a parallel sequence of descriptor
// vectors. A Result is immutable once produced; the cache hands out the
// shared copy, so callers must treat it as read-only or take a Clone.
//
// An image with no detectable features yields a Result with empty slices.
// That is a valid result, not an error.
type Result struct {
	Keypoints   []KeyPoint `json:"keypoints"`
	Descriptors [][]byte   `json:"descriptors"`

	// DescriptorBits is the width of each descriptor vector in bits
	// (256 for ORB's 32-byte binary descriptors).
	DescriptorBits int `json:"descriptor_bits"`
}

// keyPointSize is the in-memory footprint of one KeyPoint: five float64
// fields plus two ints.
const keyPointSize = 5*8 + 2*8

// SizeEstimate returns the approximate in-memory footprint of the result
// in bytes, used for cache byte accounting.
func (r *Result) SizeEstimate() int64 {
	size := int64(len(r.Keypoints)) * keyPointSize
	for _, d := range r.Descriptors {
		size += int64(len(d))
	}
	return size
}

// Clone returns a deep copy of the result, for callers that need to
// mutate keypoints or descriptors without touching the cached copy.
func (r *Result) Clone() *Result {
	clone := &Result{
		DescriptorBits: r.DescriptorBits,
	}
	if r.Keypoints != nil {
		clone.Keypoints = make([]KeyPoint, len(r.Keypoints))
		copy(clone.Keypoints, r.Keypoints)
	}
	if r.Descriptors != nil {
		clone.Descriptors = make([][]byte, len(r.Descriptors))
		for i, d := range r.Descriptors {
			clone.Descriptors[i] = make([]byte, len(d))
			copy(clone.Descriptors[i], d)
		}
	}
	return clone
}
