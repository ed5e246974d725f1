package pipeline

import "context"

// MediaTool is the external media tool as the pipeline sees it.
// *ffmpeg.Runner implements it.
type MediaTool interface {
	// Extract re-encodes [start, start+duration) of input into output.
	Extract(ctx context.Context, input string, start, duration float64, output string) error
	// Concat joins clips in order with stream copy, writing its list to listPath.
	Concat(ctx context.Context, clips []string, listPath, output string) error
	// Cut stream-copies [start, end] of input into output.
	Cut(ctx context.Context, input string, start, end float64, output string) error
}

// Fetcher downloads a source video to a local path. *fetch.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dst string) (int64, error)
}

// Publisher stores a finished file and returns its public URL.
// *blob.Client implements it.
type Publisher interface {
	// Ready fails when publishing cannot succeed, e.g. no credential.
	Ready() error
	Publish(ctx context.Context, name, path string) (string, error)
}
