package types

import "fmt"

// VerifyResult is the terminal verdict for a submitted transaction.
type VerifyResult uint8

const (
	VerifyResultSuccess VerifyResult = iota
	VerifyResultMalicious
	VerifyResultSignatureError
	VerifyResultNonceError
	VerifyResultDuplicated
	VerifyResultCoolingDown
)

var verifyResultNames = map[VerifyResult]string{
	VerifyResultSuccess:        "Success",
	VerifyResultMalicious:      "Malicious",
	VerifyResultSignatureError: "SignatureError",
	VerifyResultNonceError:     "NonceError",
	VerifyResultDuplicated:     "Duplicated",
	VerifyResultCoolingDown:    "CoolingDown",
}

func (r VerifyResult) String() string {
	if name, ok := verifyResultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("VerifyResult(%d)", uint8(r))
}

func (r VerifyResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Accepted reports whether the verdict leaves the transaction on record, either
// freshly or from an earlier submission.
func (r VerifyResult) Accepted() bool {
	return r == VerifyResultSuccess || r == VerifyResultDuplicated
}
