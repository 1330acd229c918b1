package utils

import (
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	transactionIDPrefix = "TP"
	transactionIDBody   = 10
)

// GenerateTransactionID returns a 12 character id ("TP" + 10 base36 chars)
// drawn from a random UUID. The length fits Daraja's AccountReference limit.
func GenerateTransactionID() string {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	s := strings.ToUpper(n.Text(36))
	if len(s) < transactionIDBody {
		s = strings.Repeat("0", transactionIDBody-len(s)) + s
	}
	return transactionIDPrefix + s[len(s)-transactionIDBody:]
}

// GenerateSessionID returns a fresh recommendation session id.
func GenerateSessionID() string {
	return uuid.NewString()
}
