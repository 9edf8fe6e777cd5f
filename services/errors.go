package services

import "errors"

// Domain failure taxonomy. Every sentinel maps 1:1 to a stable client
// error code in the handlers layer.
var (
	ErrInsufficientFunds = errors.New("insufficient ChessCoin balance")
	ErrNotJoinable       = errors.New("game is not open for joining")
	ErrSelfJoin          = errors.New("cannot join your own game")
	ErrForbidden         = errors.New("not allowed")
	ErrNotCancelable     = errors.New("only waiting games can be canceled")
	ErrNotParticipant    = errors.New("not a participant in this game")
	ErrNotYourTurn       = errors.New("not your turn")
	ErrIllegalMove       = errors.New("illegal move")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyFinished   = errors.New("game is already finished")
	ErrNotActive         = errors.New("game is not in progress")
	ErrTimeExpired       = errors.New("clock expired")
	ErrConflict          = errors.New("concurrent update, try again")
)
