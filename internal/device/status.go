package device

import (
	"github.com/andyleap/fprint/internal/driver"
	"github.com/andyleap/fprint/internal/models"
)

type actionKind int

const (
	actionEnroll actionKind = iota + 1
	actionVerify
)

func (k actionKind) String() string {
	if k == actionEnroll {
		return "enrollment"
	}
	return "verification"
}

func (k actionKind) eventKind() string {
	if k == actionEnroll {
		return models.EventEnrollStatus
	}
	return models.EventVerifyStatus
}

func retryStatus(kind actionKind, reason driver.RetryReason) string {
	if kind == actionEnroll {
		switch reason {
		case driver.RetryTooShort:
			return models.EnrollSwipeTooShort
		case driver.RetryCenterFinger:
			return models.EnrollFingerNotCentered
		case driver.RetryRemoveFinger:
			return models.EnrollRemoveAndRetry
		}
		return models.EnrollRetryScan
	}

	switch reason {
	case driver.RetryTooShort:
		return models.VerifySwipeTooShort
	case driver.RetryCenterFinger:
		return models.VerifyFingerNotCentered
	case driver.RetryRemoveFinger:
		return models.VerifyRemoveAndRetry
	}
	return models.VerifyRetryScan
}

func errorStatus(kind actionKind, errKind driver.ErrorKind) string {
	switch {
	case errKind == driver.ErrorProto:
		return disconnectedStatus(kind)
	case errKind == driver.ErrorDataFull && kind == actionEnroll:
		return models.EnrollDataFull
	case kind == actionEnroll:
		return models.EnrollUnknownError
	}
	return models.VerifyUnknownError
}

func disconnectedStatus(kind actionKind) string {
	if kind == actionEnroll {
		return models.EnrollDisconnected
	}
	return models.VerifyDisconnected
}

// cancelledStatus is reported when a capture ends without an outcome.
func cancelledStatus(kind actionKind) string {
	if kind == actionEnroll {
		return models.EnrollFailed
	}
	return models.VerifyNoMatch
}

func isDisconnected(status string) bool {
	return status == models.EnrollDisconnected || status == models.VerifyDisconnected
}
