package acquire

import "fmt"

// Outcome tags the variant held by a Result.
type Outcome int

const (
	// OutcomeToken means Result.Token holds a usable access token.
	OutcomeToken Outcome = iota + 1
	// OutcomeNeedsInteractiveSignIn means the caller must redirect the user to sign in.
	OutcomeNeedsInteractiveSignIn
	// OutcomeFailure means Result.Err explains why no token could be produced.
	OutcomeFailure
)

func (outcome Outcome) String() string {
	switch outcome {
	case OutcomeToken:
		return "token"
	case OutcomeNeedsInteractiveSignIn:
		return "needs_interactive_sign_in"
	case OutcomeFailure:
		return "failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(outcome))
	}
}

// Result is Token | NeedsInteractiveSignIn | Failure.
type Result struct {
	Outcome Outcome
	Token   Token
	// Reason is a short code for NeedsInteractiveSignIn results.
	Reason string
	Err    error
}

// TokenResult wraps a successfully acquired token.
func TokenResult(token Token) Result {
	return Result{Outcome: OutcomeToken, Token: token}
}

// NeedsInteractiveSignIn reports that no cached credential can serve the request.
func NeedsInteractiveSignIn(reason string) Result {
	return Result{Outcome: OutcomeNeedsInteractiveSignIn, Reason: reason}
}

// Failure reports an unexpected error.
func Failure(err error) Result {
	return Result{Outcome: OutcomeFailure, Err: err}
}

// Message returns the failure message, or an empty string for other outcomes.
func (result Result) Message() string {
	if result.Outcome != OutcomeFailure || result.Err == nil {
		return ""
	}
	return result.Err.Error()
}
