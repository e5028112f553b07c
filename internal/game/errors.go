package game

import "errors"

var (
	ErrInsufficientEnergy      = errors.New("insufficient energy")
	ErrWithdrawalLocked        = errors.New("withdrawal locked")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrReferralSelfAttribution = errors.New("self referral")
	ErrAlreadyReferred         = errors.New("already referred")
	ErrUnknownReferrer         = errors.New("unknown referrer")
	ErrPersistence             = errors.New("persistence failure")
	ErrSessionClosed           = errors.New("session closed")
	ErrInvalidAmount           = errors.New("invalid amount")
)
