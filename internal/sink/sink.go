package sink

import (
	"context"
	"io"
)

// FileName is the object name every sink writes an export archive under.
const FileName = "export.zip"

// Sink is the interface that all export destinations must implement.
type Sink interface {
	// Write copies content to the destination for target. It returns once
	// content is exhausted or ctx is done.
	Write(ctx context.Context, target Target, content io.Reader) (Result, error)

	// Capabilities reports what this sink is and where it writes.
	Capabilities() Capabilities
}

// Target identifies where a single export lands inside a sink.
type Target struct {
	JobID string `json:"job_id"`
}

// Result holds the outcome of a successful write.
type Result struct {
	Location string `json:"location"`
	Bytes    int64  `json:"bytes"`
}

// Capabilities describes a sink.
type Capabilities struct {
	Name      string `json:"name"`
	Root      string `json:"root"`
	Streaming bool   `json:"streaming"`
}
