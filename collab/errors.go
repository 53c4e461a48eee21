package collab

import (
	"fmt"
)

// error taxonomy:
// - AuthMissingError is fatal for connect. No dial is attempted.
// - JoinRejectedError carries the ended-by attribution and drives the
//   lifecycle to Ended rather than surfacing as a bare request failure.
// - PostTerminationError is synthesized locally for any mutating action
//   attempted after Ended. No network call is issued.
// - MalformedMessageError drops the one offending message. The router keeps
//   processing.

type AuthMissingError struct {
}

func (self *AuthMissingError) Error() string {
	return "missing bearer credential"
}

type JoinRejectedError struct {
	SessionId Id
	EndedBy   string
	Message   string
}

func (self *JoinRejectedError) Error() string {
	if self.EndedBy != "" {
		return fmt.Sprintf("join rejected for session %s: ended by %s", self.SessionId, self.EndedBy)
	}
	return fmt.Sprintf("join rejected for session %s: %s", self.SessionId, self.Message)
}

type PostTerminationError struct {
	Action  string
	EndedBy string
}

func (self *PostTerminationError) Error() string {
	return fmt.Sprintf("session ended by %s: %s rejected", self.EndedBy, self.Action)
}

type MalformedMessageError struct {
	Err error
}

func (self *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %s", self.Err)
}

func (self *MalformedMessageError) Unwrap() error {
	return self.Err
}
