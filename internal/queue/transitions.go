package queue

import "apqueue/internal"

var transitions = map[internal.Status][]internal.Status{
	internal.StatusPending:     {internal.StatusNeedsReview, internal.StatusApproved, internal.StatusRejected, internal.StatusError},
	internal.StatusNeedsReview: {internal.StatusPending, internal.StatusApproved, internal.StatusRejected, internal.StatusError},
	internal.StatusApproved:    {internal.StatusPosted, internal.StatusError},
	internal.StatusPosted:      {internal.StatusPaid},
	internal.StatusRejected:    {internal.StatusPending},
	internal.StatusError:       {internal.StatusPending},
	internal.StatusPaid:        {},
}

func CanTransition(from, to internal.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func IsTerminal(status internal.Status) bool {
	next, ok := transitions[status]
	return ok && len(next) == 0
}

func actionName(from, to internal.Status) string {
	switch {
	case to == internal.StatusApproved:
		return "approved"
	case to == internal.StatusRejected:
		return "rejected"
	case to == internal.StatusPosted:
		return "posted to ERP"
	case to == internal.StatusPaid:
		return "marked paid"
	case to == internal.StatusError:
		return "failed"
	case to == internal.StatusPending && from == internal.StatusError:
		return "retried"
	case to == internal.StatusPending && from == internal.StatusRejected:
		return "restored"
	case to == internal.StatusPending:
		return "confirmed"
	case to == internal.StatusNeedsReview:
		return "sent to review"
	default:
		return string(to)
	}
}
