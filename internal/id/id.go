package id

import (
	"fmt"

	"github.com/google/uuid"
)

var resultNamespace = uuid.MustParse("6f1c2f9e-3b0a-4c53-9a64-2f1d8e7b5a10")

func New() string {
	return uuid.NewString()
}

// Result derives a stable object id for the n-th output of a generation, so
// materializing the same generation twice lands on the same object names.
func Result(generationID string, n int) string {
	return uuid.NewSHA1(resultNamespace, []byte(fmt.Sprintf("%s/%d", generationID, n))).String()
}
