package consts

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNoRecipients    = errors.New("no recipients")
	ErrInvalidUserName = errors.New("invalid user name")

	ErrStoreNotRegistered = errors.New("storage type not registered")
	ErrUnknownHashScheme  = errors.New("unknown password hash scheme")

	ErrDBInsertFailed            = errors.New("insert failed")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
)
