package service

import "errors"

var (
	// ErrConfiguration marks registration/namespace configuration problems.
	ErrConfiguration = errors.New("invalid appservice configuration")
	// ErrRegistration marks a failed appservice user registration that was
	// not recoverable as "already exists".
	ErrRegistration = errors.New("user registration failed")
	// ErrJoin marks a join whose strategy was exhausted or whose invite
	// step failed.
	ErrJoin = errors.New("room join failed")
	// ErrCryptoNotReady marks crypto-gated operations invoked before the
	// engine finished preparing.
	ErrCryptoNotReady = errors.New("crypto engine not prepared")
)
