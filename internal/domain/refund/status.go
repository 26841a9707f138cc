package refund

import (
	"strings"

	"github.com/xenking/shop-ledger/internal/apperr"
)

// Status is the single lifecycle shared by every refund and return request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the request can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// Flow tells who started a request. Each flow shows statuses with its own
// vocabulary.
type Flow string

const (
	FlowAdmin       Flow = "admin"
	FlowSelfService Flow = "self_service"
)

var labels = map[Flow]map[Status]string{
	FlowAdmin: {
		StatusPending:    "PENDING",
		StatusProcessing: "PROCESSING",
		StatusCompleted:  "COMPLETED",
		StatusRejected:   "REJECTED",
		StatusFailed:     "FAILED",
	},
	FlowSelfService: {
		StatusPending:    "requested",
		StatusApproved:   "approved",
		StatusProcessing: "approved",
		StatusCompleted:  "completed",
		StatusRejected:   "rejected",
		StatusFailed:     "rejected",
	},
}

// Label returns the status name shown to the audience of flow.
func (s Status) Label(flow Flow) string {
	if l, ok := labels[flow][s]; ok {
		return l
	}
	return string(s)
}

// ParseLabel maps a flow-specific label back to a Status. Labels shared by
// several statuses resolve to the earliest one in the lifecycle.
func ParseLabel(flow Flow, label string) (Status, error) {
	for _, s := range []Status{
		StatusPending, StatusApproved, StatusProcessing,
		StatusCompleted, StatusRejected, StatusFailed,
	} {
		if l, ok := labels[flow][s]; ok && l == label {
			return s, nil
		}
	}
	if s := Status(strings.ToLower(label)); s.valid() {
		return s, nil
	}
	return "", apperr.Validation("unknown refund status %q", label)
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusProcessing, StatusCompleted, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}
