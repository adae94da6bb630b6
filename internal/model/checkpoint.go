package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role is the cluster role assigned to a machine by the global store
type Role string

const (
	RoleUnknown Role = "unknown"
	RoleMaster  Role = "master"
	RoleWorker  Role = "worker"
)

// EventSequencePoint is a logical position in the event stream. Its textual
// form "millis-seq" matches redis stream ids.
type EventSequencePoint struct {
	Millis int64
	Seq    int64
}

// ParseEventSequencePoint parses the "millis-seq" form
func ParseEventSequencePoint(s string) (EventSequencePoint, error) {
	if s == "" {
		return EventSequencePoint{}, nil
	}
	ms, seq, found := strings.Cut(s, "-")
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return EventSequencePoint{}, fmt.Errorf("invalid sequence point %q: %w", s, err)
	}
	point := EventSequencePoint{Millis: millis}
	if found {
		if point.Seq, err = strconv.ParseInt(seq, 10, 64); err != nil {
			return EventSequencePoint{}, fmt.Errorf("invalid sequence point %q: %w", s, err)
		}
	}
	return point, nil
}

func (p EventSequencePoint) String() string {
	return fmt.Sprintf("%d-%d", p.Millis, p.Seq)
}

// IsZero reports whether the point is the start of the stream
func (p EventSequencePoint) IsZero() bool {
	return p.Millis == 0 && p.Seq == 0
}

// Compare orders sequence points
func (p EventSequencePoint) Compare(other EventSequencePoint) int {
	switch {
	case p.Millis < other.Millis:
		return -1
	case p.Millis > other.Millis:
		return 1
	case p.Seq < other.Seq:
		return -1
	case p.Seq > other.Seq:
		return 1
	}
	return 0
}

// CheckpointState is what the global store reports on every heartbeat
type CheckpointState struct {
	Role           Role
	CheckpointID   string
	SequencePoint  EventSequencePoint
	CheckpointTime time.Time
	Available      bool
}

// CheckpointInfo describes a checkpoint being registered with the global store
type CheckpointInfo struct {
	CheckpointID  string
	SequencePoint EventSequencePoint
	CreatedAt     time.Time
}
