// Package deadline tracks when each dispatched stage run must have called back.
package deadline

import (
	"fmt"
	"strings"
	"time"

	"pipeline-orchestrator/internal/entity"
)

type Entry struct {
	JobID string
	Stage entity.Step
	Token string
	At    time.Time
}

func member(jobID string, stage entity.Step, token string) string {
	return jobID + "|" + string(stage) + "|" + token
}

func parseMember(m string) (Entry, error) {
	parts := strings.SplitN(m, "|", 3)
	if len(parts) != 3 {
		return Entry{}, fmt.Errorf("malformed deadline member %q", m)
	}
	return Entry{JobID: parts[0], Stage: entity.Step(parts[1]), Token: parts[2]}, nil
}
