package domain

// FilePriority is a per-file fetch ordering hint.
type FilePriority int

const (
	PrioritySkip   FilePriority = 0
	PriorityNormal FilePriority = 1
	PriorityHigh   FilePriority = 2
)

func (p FilePriority) Valid() bool {
	return p >= PrioritySkip && p <= PriorityHigh
}

func (p FilePriority) String() string {
	switch p {
	case PrioritySkip:
		return "skip"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}
