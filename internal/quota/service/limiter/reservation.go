package limiter

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"explaind/pkg/domain"
	dErrors "explaind/pkg/domain-errors"
)

// State tracks a reservation through its lifecycle.
type State string

const (
	StateOpen      State = "open"
	StateCommitted State = "committed"
	StateReleased  State = "released"
)

// Reservation is an ephemeral claim on one daily request slot, owned
// exclusively by the limiter for the lifetime of a single request. It is
// never persisted: a crash before settlement leaves the ledger's counters
// correct because only commit and release mutate them further.
type Reservation struct {
	id             string
	userID         domain.UserID
	day            domain.Day
	createdAt      time.Time
	estimatedInput int
	maxOutput      int

	mu    sync.Mutex
	state State
}

func newReservation(userID domain.UserID, day domain.Day, createdAt time.Time, estimatedInput, maxOutput int) *Reservation {
	return &Reservation{
		id:             uuid.NewString(),
		userID:         userID,
		day:            day,
		createdAt:      createdAt,
		estimatedInput: estimatedInput,
		maxOutput:      maxOutput,
		state:          StateOpen,
	}
}

// ID returns the reservation identifier.
func (r *Reservation) ID() string { return r.id }

// UserID returns the owning user.
func (r *Reservation) UserID() domain.UserID { return r.userID }

// Day returns the quota bucket the reservation was granted against.
func (r *Reservation) Day() domain.Day { return r.day }

// CreatedAt returns when the reservation was granted.
func (r *Reservation) CreatedAt() time.Time { return r.createdAt }

// EstimatedInput returns the input token estimate used at admission.
func (r *Reservation) EstimatedInput() int { return r.estimatedInput }

// State returns the current lifecycle state.
func (r *Reservation) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// settle runs fn while holding the reservation lock and, if fn succeeds,
// transitions to the terminal state. A reservation that is not Open rejects
// settlement so a second commit or release can never double-count. If fn
// fails the reservation stays Open and settlement may be retried.
func (r *Reservation) settle(to State, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateOpen {
		return dErrors.Newf(dErrors.CodeConflict,
			"reservation %s already %s", r.id, r.state)
	}
	if err := fn(); err != nil {
		return err
	}
	r.state = to
	return nil
}
