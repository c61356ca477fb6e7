package gateway

import (
	"fmt"

	"github.com/brianvoe/gofakeit/v6"
)

// randomDisplayName generates a pronounceable fallback identity for a
// client whose session carries neither a registered user id nor an
// unregistered username.
func randomDisplayName() string {
	return fmt.Sprintf("%s-%s", gofakeit.BuzzWord(), gofakeit.Animal())
}
