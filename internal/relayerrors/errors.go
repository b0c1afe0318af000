// Package relayerrors contains all common errors used by the token relay.
package relayerrors

import "fmt"

var ErrRefreshFailed = fmt.Errorf("refreshing the tokens failed")
var ErrMissingRefreshToken = fmt.Errorf("there is no refresh token to refresh the tokens with")
var ErrMissingCoordinator = fmt.Errorf("the refresh coordinator is not initialized")
var ErrIncompleteTokens = fmt.Errorf("the access token and the refresh token have to be set together")
var ErrInvalidTokenResponse = fmt.Errorf("the token endpoint returned an invalid response")
