package repositories

import (
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/lib/pq"
)

// IsTransient reports whether err is a transport or availability failure
// rather than a semantic one. Callers treat these as retryable and must
// never surface them as a wrong credential or code.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// connection exception, insufficient resources, operator
		// intervention, system error
		case "08", "53", "57", "58":
			return true
		}
	}
	return false
}
