// Package bbserr defines the error taxonomy shared by every advBBS
// component: input errors are rendered to the sending node, protocol
// errors become NAK reason codes, transport and store errors stay local.
package bbserr

import "errors"

// Input errors: recoverable, surfaced to the user as a reply string.
var (
	ErrUnknownCommand        = errors.New("unknown command")
	ErrBadSyntax             = errors.New("bad syntax")
	ErrForbiddenByAccess     = errors.New("forbidden for this access level")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrUserNotBoundToNode    = errors.New("user not bound to this node")
	ErrRemoteBodyTooLong     = errors.New("message body too long for remote delivery")
	ErrAccountLocked         = errors.New("account temporarily locked")
	ErrLastBinding           = errors.New("cannot remove the last node binding")
	ErrCurrentBinding        = errors.New("cannot remove the binding for the current node")
	ErrUserExists            = errors.New("user already registered")
	ErrUserBanned            = errors.New("user is banned")
	ErrRecoveryUnavailable   = errors.New("admin recovery not available for this user")
	ErrNoSession             = errors.New("no authenticated session")
	ErrBoardExists           = errors.New("board already exists")
)

// Protocol errors: peer-facing, become MAILNAK/BOARDNAK reason codes.
var (
	ErrLooped             = errors.New("loop")
	ErrMaxHopsExceeded    = errors.New("max hops exceeded")
	ErrNoRouteToBBS       = errors.New("no route to bbs")
	ErrRecipientUnknown   = errors.New("recipient unknown")
	ErrSyncDisabledBoard  = errors.New("sync disabled for board")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrUnknownPeer        = errors.New("unknown peer")
	ErrIncompatibleProto  = errors.New("incompatible protocol prefix")
)

// Transport errors: local to this node.
var (
	ErrChunkSendFailed = errors.New("chunk send failed")
	ErrAckTimeout      = errors.New("ack timeout")
	ErrRateLimited     = errors.New("rate limited")
	ErrNoSuchPeer      = errors.New("no such peer")
	ErrDeliveryExpired = errors.New("delivery expired")
)

// Store errors.
var (
	ErrDuplicateUUID = errors.New("duplicate uuid")
	ErrCorruptStore  = errors.New("corrupt store: master key salt missing while users exist")
	ErrNotFound      = errors.New("not found")
	ErrBoardLimit    = errors.New("max synced boards reached")
)

// Crypto errors.
var (
	ErrWrongPassphrase = errors.New("wrong passphrase")
	ErrAuthTagInvalid  = errors.New("authentication tag invalid")
)

// MailNakReason maps a protocol error to the short reason code carried in
// a MAILNAK frame.
func MailNakReason(err error) string {
	switch {
	case errors.Is(err, ErrRecipientUnknown):
		return "NOUSER"
	case errors.Is(err, ErrNoRouteToBBS):
		return "NOROUTE"
	case errors.Is(err, ErrLooped):
		return "LOOP"
	case errors.Is(err, ErrMaxHopsExceeded):
		return "MAXHOPS"
	default:
		return "ERROR"
	}
}

// BoardNakReason maps a protocol error to the short reason code carried in
// a BOARDNAK frame.
func BoardNakReason(err error) string {
	switch {
	case errors.Is(err, ErrSyncDisabledBoard):
		return "SYNC_DISABLED"
	case errors.Is(err, ErrNotFound):
		return "UNKNOWN_BOARD"
	default:
		return "ERROR"
	}
}
