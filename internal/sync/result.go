package sync

import "fmt"

// Kind tags a [Result].
type Kind int

const (
	// KindInProgress is always the first result of a pass.
	KindInProgress Kind = iota
	// KindProgress carries a human-readable step message.
	KindProgress
	// KindSuccess ends a pass that completed.
	KindSuccess
	// KindError ends a pass that failed. Err is set.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindInProgress:
		return "in_progress"
	case KindProgress:
		return "progress"
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Result is one element of a pass's outcome stream:
// InProgress, then zero or more Progress, then exactly one Success or Error.
type Result struct {
	Kind    Kind
	Message string
	Err     error
}

// Terminal reports whether r ends a pass.
func (r Result) Terminal() bool {
	return r.Kind == KindSuccess || r.Kind == KindError
}

func (r Result) String() string {
	switch r.Kind {
	case KindInProgress:
		return "InProgress"
	case KindError:
		return fmt.Sprintf("Error(%v)", r.Err)
	}
	return fmt.Sprintf("%s(%s)", r.Kind, r.Message)
}

func inProgress() Result { return Result{Kind: KindInProgress} }

func progress(format string, args ...any) Result {
	return Result{Kind: KindProgress, Message: fmt.Sprintf(format, args...)}
}

func success(msg string) Result { return Result{Kind: KindSuccess, Message: msg} }

func failure(err error) Result {
	return Result{Kind: KindError, Message: err.Error(), Err: err}
}

// PanicError is the Err of a pass that panicked. The Engine treats it as a
// permanent failure rather than a retryable one.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("unexpected panic during sync: %v", e.Value)
}
