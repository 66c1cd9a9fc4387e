package objects

import (
	"fmt"
	"time"

	"github.com/miekg/pkcs11"
)

// TcbError is the result-code error returned by every operation of the core.
// Code holds a CKR_* value from github.com/miekg/pkcs11.
type TcbError struct {
	Who         string
	Description string
	Code        uint
	Fault       *UsageFault
}

// UsageFault records the context of a usage-tracker contract violation. It is
// attached to the CKR_GENERAL_ERROR the tracker returns, so the front end can
// report which operation double-released which object.
type UsageFault struct {
	Op       string
	ObjectID uint
	When     time.Time
}

func NewError(who, description string, code uint) *TcbError {
	return &TcbError{
		Who:         who,
		Description: description,
		Code:        code,
	}
}

func (err TcbError) Error() string {
	return fmt.Sprintf("%s: %s", err.Who, err.Description)
}

// ErrorCode extracts the CKR_* value from an error returned by this package.
// Errors of other types map to CKR_GENERAL_ERROR, a nil error to CKR_OK.
func ErrorCode(err error) uint {
	if err == nil {
		return pkcs11.CKR_OK
	}
	switch e := err.(type) {
	case *TcbError:
		return e.Code
	case TcbError:
		return e.Code
	}
	return pkcs11.CKR_GENERAL_ERROR
}
