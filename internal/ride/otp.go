package ride

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// newOTP generates the 6-digit code the rider reads to the driver before
// the ride can start.
func newOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		// crypto/rand failing means the process is in serious trouble
		panic(err)
	}
	return fmt.Sprintf("%06d", n)
}
