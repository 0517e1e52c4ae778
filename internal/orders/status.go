package orders

import "fmt"

type Status string

const (
	StatusPending   Status = "pending"
	StatusShipped   Status = "shipped"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusShipped: true, StatusCancelled: true},
	StatusShipped:   {StatusCompleted: true, StatusCancelled: true},
	StatusCompleted: {},
	StatusCancelled: {},
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := validNext[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// predecessors returns every status from which `to` is reachable in one step.
func predecessors(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusShipped, StatusCompleted, StatusCancelled} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
