package ai

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadCredentials marks provider failures the caller can act on: a rejected
// key, missing permission, or exhausted quota. Other provider failures are
// assumed transient.
var ErrBadCredentials = errors.New("provider rejected credentials or quota exceeded")

// classifyProviderError distinguishes credential/quota rejections from
// generic provider failures based on the provider's error text.
func classifyProviderError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"api key", "unauthorized", "permission", "quota"} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", ErrBadCredentials, err)
		}
	}
	return err
}
