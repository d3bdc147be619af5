package handler

const (
	errInternalServer   = "Internal server error"
	errBatchNotFound    = "Batch not found"
	errBatchTerminal    = "Batch already reached a terminal state"
	errAccountNotFound  = "Account not found"
	errDuplicateAccount = "Account with this ref already registered"
	errBadCredential    = "Platform rejected the credential"
	errRecordNotFound   = "Error record not found"
)
