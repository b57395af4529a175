package accounts

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rewired-gh/digitbot/internal/models"
)

// OAuthBaseURL is Deriv's OAuth authorization endpoint.
const OAuthBaseURL = "https://oauth.deriv.com/oauth2/authorize"

// ErrInvalidCallback is returned for malformed OAuth redirects.
var ErrInvalidCallback = errors.New("invalid oauth callback")

// AuthorizeURL builds the URL that starts the OAuth login for appID.
func AuthorizeURL(appID int, lang string) string {
	q := url.Values{}
	q.Set("app_id", strconv.Itoa(appID))
	if lang != "" {
		q.Set("l", lang)
	}
	return OAuthBaseURL + "?" + q.Encode()
}

// ParseOAuthCallback reads the acctN/tokenN/curN triples Deriv appends to
// the redirect URL, starting at N=1 and stopping at the first gap.
func ParseOAuthCallback(values url.Values) ([]models.Account, error) {
	var accounts []models.Account
	for i := 1; ; i++ {
		loginID := strings.TrimSpace(values.Get(fmt.Sprintf("acct%d", i)))
		if loginID == "" {
			break
		}
		token := strings.TrimSpace(values.Get(fmt.Sprintf("token%d", i)))
		if token == "" {
			return nil, fmt.Errorf("%w: account %s has no token", ErrInvalidCallback, loginID)
		}
		accounts = append(accounts, models.Account{
			LoginID:   loginID,
			Token:     token,
			Currency:  strings.ToUpper(values.Get(fmt.Sprintf("cur%d", i))),
			IsVirtual: IsVirtualLoginID(loginID),
		})
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: no accounts", ErrInvalidCallback)
	}
	return accounts, nil
}

// IsVirtualLoginID reports whether loginID belongs to a demo account.
func IsVirtualLoginID(loginID string) bool {
	return strings.HasPrefix(strings.ToUpper(loginID), "VR")
}
