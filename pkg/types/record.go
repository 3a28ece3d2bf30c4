package types

// BuildRecord is one line of the builder's profile stream, e.g.
//
//	{"type":"BUILD_DONE","iteration":"1faceb0972d62d5d","time":1600578356346,
//	 "targets":["//caper/platform/longbow:longbow_image.digest"],"elapsed":6393}
type BuildRecord struct {
	Type      string   `json:"type"`
	Iteration string   `json:"iteration,omitempty"`
	Time      int64    `json:"time,omitempty"`
	Targets   []string `json:"targets,omitempty"`
	Elapsed   int64    `json:"elapsed,omitempty"`
}

const (
	RecordIBazelStart  = "IBAZEL_START"
	RecordBuildStart   = "BUILD_START"
	RecordBuildDone    = "BUILD_DONE"
	RecordBuildFailed  = "BUILD_FAILED"
	RecordChangeDetect = "CHANGE_DETECTED"
)

// Finished reports whether the record closes a successful build generation.
func (r BuildRecord) Finished() bool {
	return r.Type == RecordBuildDone
}
