package types

import "time"

// Frame is a single captured image. Data holds the JPEG bytes exactly as the
// camera delivered them (already mirrored).
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Data       []byte
}

// Batch is the unit of work handed from the capture source to the workers.
// The capture source always emits single-frame batches.
type Batch []Frame

// Box is a face bounding box in frame pixels: [top, right, bottom, left]
type Box [4]int

// DetectedFace is a face region cut out of a Frame by the vision engine.
type DetectedFace struct {
	Box  Box
	Crop []byte // JPEG encoded crop of the face
}

// Encoding is the numeric descriptor the vision engine computes for a face.
type Encoding []float64

// Sighting is an announced recognition, as recorded by the journal.
type Sighting struct {
	Identity  string
	FrameSeq  uint64
	SeenAt    time.Time
	Encoding  Encoding
	ImageName string
}
