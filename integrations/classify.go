package integrations

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"github.com/jomei/notionapi"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"talk2task/domain"
)

// Classify turns an adapter error into an IntegrationError with a failure
// reason. A nil error stays nil.
func Classify(platform domain.Platform, err error) *domain.IntegrationError {
	if err == nil {
		return nil
	}
	var ie *domain.IntegrationError
	if errors.As(err, &ie) {
		return ie
	}
	return &domain.IntegrationError{Platform: platform, Reason: reasonFor(err), Err: err}
}

func reasonFor(err error) domain.FailureReason {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return domain.ReasonAuthExpired
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		if ge.Code == http.StatusUnauthorized || ge.Code == http.StatusForbidden {
			return domain.ReasonAuthExpired
		}
		return domain.ReasonRemoteError
	}
	var ne *notionapi.Error
	if errors.As(err, &ne) {
		if ne.Status == http.StatusUnauthorized || ne.Code == notionUnauthorized {
			return domain.ReasonAuthExpired
		}
		return domain.ReasonRemoteError
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.ReasonNetworkError
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return domain.ReasonNetworkError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ReasonNetworkError
	}
	return domain.ReasonRemoteError
}

func googleStatus(err error) int {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return 0
}
