package bankxledger

var ErrDuplicateAcctNumber = errDuplicateAcctNumber
