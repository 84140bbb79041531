// Package rest implements the REST Surface of §4.13: thin, stateless
// translators over get/list/delete/get_archive_url/get_weights_info/
// publish/unpublish against checkpoint-handle-addressed paths, plus
// the checkpoint handle grammar itself.
package rest

import (
	"fmt"
	"strings"

	"github.com/tinkerlabs/tinker-go-core/pkg/errtaxonomy"
)

// CheckpointHandle addresses a stored artifact: tinker://<run_id>/<segment_1>/<segment_2>.
type CheckpointHandle struct {
	RunID    string
	Segment1 string
	Segment2 string
}

const checkpointScheme = "tinker://"

// ParseCheckpointHandle parses a handle string, per §4.13/§6. Parsing
// is strict: any other shape fails with a validation error categorized
// as user, per §4.13.
func ParseCheckpointHandle(s string) (CheckpointHandle, error) {
	if !strings.HasPrefix(s, checkpointScheme) {
		return CheckpointHandle{}, invalidHandle(s)
	}
	rest := strings.TrimPrefix(s, checkpointScheme)
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return CheckpointHandle{}, invalidHandle(s)
	}
	for _, p := range parts {
		if p == "" {
			return CheckpointHandle{}, invalidHandle(s)
		}
	}
	return CheckpointHandle{RunID: parts[0], Segment1: parts[1], Segment2: parts[2]}, nil
}

func invalidHandle(s string) *errtaxonomy.Error {
	return errtaxonomy.Validation(fmt.Sprintf("invalid checkpoint handle %q: expected tinker://<run_id>/<segment_1>/<segment_2>", s))
}

// String formats h back into its wire form.
func (h CheckpointHandle) String() string {
	return fmt.Sprintf("%s%s/%s/%s", checkpointScheme, h.RunID, h.Segment1, h.Segment2)
}

// Validate reports whether h's fields could have come from a
// successful ParseCheckpointHandle call.
func (h CheckpointHandle) Validate() error {
	if h.RunID == "" || h.Segment1 == "" || h.Segment2 == "" {
		return invalidHandle(h.String())
	}
	return nil
}
